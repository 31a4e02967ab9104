package workflow

import (
	"errors"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// idempotencyStaleAfter is how long a STARTED key blocks other workers before it may be reclaimed.
const idempotencyStaleAfter = 5 * time.Minute

// BeginIdempotency inserts STARTED. If SUCCEEDED exists it returns the recorded result ref and skip=true.
func BeginIdempotency(tx *gorm.DB, scope, handlerName, messageId string) (skip bool, resultRef string, err error) {
	key := models.IdempotencyKey{
		Scope:       scope,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, "", nil
	} else if !models.IsDuplicateKeyErr(err) {
		return false, "", err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, "", err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		if existing.ResultRef != nil {
			resultRef = *existing.ResultRef
		}
		return true, resultRef, nil
	case models.IdempotencyStatusStarted:
		// Another worker is posting; a stale STARTED row is reclaimed.
		if time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, "", ErrIdempotencyInProgress
		}
	}
	return false, "", tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, scope, handlerName, messageId, resultRef string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result_ref": resultRef, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, scope, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
