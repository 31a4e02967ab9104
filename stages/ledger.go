package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	ledgerIdempotencyScope   = "ledger"
	ledgerIdempotencyHandler = "GormLedgerPoster"
)

// GormLedgerPoster writes approved proposals as journals in the same MySQL database.
// One journal per approval: the idempotency key, the advisory lock and the unique
// approval_id index all key on the approval id.
type GormLedgerPoster struct {
	DB          *gorm.DB
	CurrencyExp int32
	Logger      *logrus.Logger
	Now         func() time.Time
}

func (l *GormLedgerPoster) Post(ctx context.Context, req models.LedgerPostRequest) (string, error) {
	if req.ApprovalId == "" || req.Document == nil || req.Proposal == nil {
		return "", errors.New("ledger post request is incomplete")
	}
	var entryID string
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, ref, err := workflow.BeginIdempotency(tx, ledgerIdempotencyScope, ledgerIdempotencyHandler, req.ApprovalId)
		if err != nil {
			return err
		}
		if skip {
			entryID = ref
			return nil
		}

		return workflow.WithLedgerPostingLock(tx, req.ApprovalId, func() error {
			id, err := l.writeJournal(tx, req)
			if err != nil {
				_ = workflow.MarkIdempotencyFailed(tx, ledgerIdempotencyScope, ledgerIdempotencyHandler, req.ApprovalId, err)
				return err
			}
			entryID = id
			return workflow.MarkIdempotencySucceeded(tx, ledgerIdempotencyScope, ledgerIdempotencyHandler, req.ApprovalId, id)
		})
	})
	if err != nil {
		return "", err
	}
	if l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"document_id":     req.Document.ID,
			"approval_id":     req.ApprovalId,
			"ledger_entry_id": entryID,
		}).Info("journal posted")
	}
	return entryID, nil
}

func (l *GormLedgerPoster) writeJournal(tx *gorm.DB, req models.LedgerPostRequest) (string, error) {
	var existing models.Journal
	err := tx.Where("approval_id = ?", req.ApprovalId).First(&existing).Error
	if err == nil {
		return existing.JournalNumber, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now()
	}
	j, err := models.JournalFromProposal(JournalNumber(req.ApprovalId), req.ApprovalId, req.Document, req.Proposal, l.CurrencyExp, req.Actor, now)
	if err != nil {
		return "", err
	}
	if err := tx.Create(j).Error; err != nil {
		if models.IsDuplicateKeyErr(err) {
			return "", fmt.Errorf("journal for approval %s written concurrently: %w", req.ApprovalId, err)
		}
		return "", err
	}
	return j.JournalNumber, nil
}

// JournalNumber is derived from the approval id so a repost can never mint a second number.
func JournalNumber(approvalID string) string {
	return "JE-" + approvalID
}
