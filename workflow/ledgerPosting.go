package workflow

import (
	"context"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// PostToLedger posts an approved document's proposal. Posting an already posted document
// returns it unchanged. A failed post leaves the document approved with the error recorded,
// so the post can be retried.
func (e *Engine) PostToLedger(ctx context.Context, documentID string) (*models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.PostToLedger", attribute.String("document_id", documentID))
	doc, err := e.postToLedger(ctx, documentID)
	endSpan(span, err)
	return doc, err
}

func (e *Engine) postToLedger(ctx context.Context, documentID string) (*models.Document, error) {
	if e.stages.Ledger == nil {
		return nil, models.NewError(models.KindStageFailure, "PostToLedger", "no ledger poster configured")
	}
	doc, a, p, err := e.loadPostable(ctx, documentID)
	if err != nil || a == nil {
		return doc, err
	}

	actor := utils.GetActorFromContext(ctx)
	var entryID string
	err = e.callStage(ctx, "PostToLedger", models.StageLedgerPost, e.settings.LedgerPostTimeout, func(ctx context.Context) error {
		var err error
		entryID, err = e.stages.Ledger.Post(ctx, models.LedgerPostRequest{
			ApprovalId: a.ID,
			Document:   doc,
			Proposal:   p,
			Actor:      actor,
		})
		return err
	})
	if err == nil && entryID == "" {
		err = models.NewError(models.KindStageFailure, "PostToLedger", "ledger returned no entry id")
	}

	ctx = persistContext(ctx)
	unlock, lerr := e.locker.Lock(ctx, documentID)
	if lerr != nil {
		return nil, lerr
	}
	defer unlock()

	if err != nil {
		return e.recordPostFailure(ctx, doc, err)
	}
	ev, err := e.evidence(ctx, documentID, models.ActionLedgerPosted, actor, models.LedgerSummary{
		ApprovalId:    a.ID,
		LedgerEntryId: entryID,
		TotalDebit:    p.TotalDebit,
		TotalCredit:   p.TotalCredit,
	})
	if err != nil {
		return nil, err
	}
	current, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.DocumentStatusPosted {
		return current, nil
	}
	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      documentID,
		ExpectedVersion: current.Version,
		From:            models.DocumentStatusApproved,
		To:              models.DocumentStatusPosted,
		Changes:         models.DocumentChanges{LedgerEntryId: &entryID},
		Event:           ev.WithStatuses(models.DocumentStatusApproved, models.DocumentStatusPosted),
		At:              e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx, documentID)
	e.log(ctx).WithFields(logrus.Fields{"document_id": documentID, "approval_id": a.ID, "ledger_entry_id": entryID}).Info("posted to ledger")
	return out, nil
}

// loadPostable returns a nil approval when the document is already posted.
func (e *Engine) loadPostable(ctx context.Context, documentID string) (*models.Document, *models.Approval, *models.Proposal, error) {
	unlock, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if doc.Status == models.DocumentStatusPosted {
		return doc, nil, nil, nil
	}
	if doc.Status != models.DocumentStatusApproved {
		return nil, nil, nil, models.NewError(models.KindInvalidState, "PostToLedger", "document %s is %s, expected %s", documentID, doc.Status, models.DocumentStatusApproved)
	}
	if doc.ApprovalId == nil {
		return nil, nil, nil, models.NewError(models.KindInvalidState, "PostToLedger", "document %s has no approval", documentID)
	}
	a, err := e.store.GetApproval(ctx, *doc.ApprovalId)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.Status != models.ApprovalStatusApproved {
		return nil, nil, nil, models.NewError(models.KindInvalidState, "PostToLedger", "approval %s is %s", a.ID, a.Status)
	}
	p, err := e.store.GetProposal(ctx, a.ProposalId)
	if err != nil {
		return nil, nil, nil, err
	}
	return doc, a, p, nil
}

func (e *Engine) recordPostFailure(ctx context.Context, doc *models.Document, postErr error) (*models.Document, error) {
	msg := postErr.Error()
	ev, err := e.evidence(ctx, doc.ID, models.ActionLedgerPostFailed, utils.GetActorFromContext(ctx), models.FailureSummary(models.StageLedgerPost, postErr))
	if err != nil {
		return nil, postErr
	}
	current, err := e.store.GetDocument(ctx, doc.ID)
	if err != nil || current.Status != models.DocumentStatusApproved {
		return current, postErr
	}
	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: current.Version,
		From:            models.DocumentStatusApproved,
		To:              models.DocumentStatusApproved,
		Changes: models.DocumentChanges{
			LastError:   &msg,
			FailedStage: strPtr(models.StageLedgerPost),
		},
		Event: ev.WithStatuses(models.DocumentStatusApproved, models.DocumentStatusApproved),
		At:    e.now(),
	})
	if err != nil {
		e.log(ctx).WithError(err).WithField("document_id", doc.ID).Warn("could not record ledger post failure")
		return current, postErr
	}
	e.invalidate(ctx, doc.ID)
	e.log(ctx).WithError(postErr).WithField("document_id", doc.ID).Warn("ledger post failed")
	return out, postErr
}
