package workflow

import (
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"gorm.io/gorm"
)

// ledgerPostingLockWait bounds GET_LOCK; a busy lock surfaces as a retryable Timeout.
const ledgerPostingLockWait = 30 * time.Second

func ledgerPostingLockName(approvalID string) string {
	return "ledger_post:" + approvalID
}

// WithLedgerPostingLock runs fn while holding a MySQL advisory lock for the approval, so
// instances never post the same approval concurrently. GET_LOCK is connection-scoped:
// tx must be the transaction fn writes through.
func WithLedgerPostingLock(tx *gorm.DB, approvalID string, fn func() error) error {
	name := ledgerPostingLockName(approvalID)
	var got *int
	if err := tx.Raw("SELECT GET_LOCK(?, ?)", name, int(ledgerPostingLockWait.Seconds())).Scan(&got).Error; err != nil {
		return err
	}
	if got == nil || *got != 1 {
		return models.NewError(models.KindTimeout, "WithLedgerPostingLock", "ledger posting lock for approval %s is busy", approvalID)
	}
	defer func() {
		var released *int
		_ = tx.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error
	}()
	return fn()
}
