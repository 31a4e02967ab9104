package workflow

import (
	"context"
	"strings"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type SubmitOptions struct {
	ExpectedStatus *models.DocumentStatus
	JobID          string
}

// ApproveResult is the outcome of a human approval. PostError is set when the approval
// committed but the ledger post that follows it failed; the document then stays approved
// with the failure recorded.
type ApproveResult struct {
	Approval  *models.Approval
	Document  *models.Document
	PostError error
}

// SubmitApproval opens an approval for the document's active proposal. At most one approval
// is open per document.
func (e *Engine) SubmitApproval(ctx context.Context, documentID string, proposalID string, opts SubmitOptions) (*models.Approval, *models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.SubmitApproval", attribute.String("document_id", documentID))
	a, doc, err := e.submitApproval(ctx, documentID, proposalID, opts)
	endSpan(span, err)
	return a, doc, err
}

func (e *Engine) submitApproval(ctx context.Context, documentID string, proposalID string, opts SubmitOptions) (*models.Approval, *models.Document, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return nil, nil, models.NewError(models.KindInvalidInput, "SubmitApproval", "proposal_id is required")
	}
	unlock, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if opts.ExpectedStatus != nil && doc.Status != *opts.ExpectedStatus {
		return nil, nil, models.NewError(models.KindInvalidState, "SubmitApproval", "document %s is %s, expected %s", documentID, doc.Status, *opts.ExpectedStatus)
	}
	open, err := e.store.FindOpenApproval(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if open != nil {
		return nil, nil, models.NewError(models.KindConflict, "SubmitApproval", "document %s already has open approval %s", documentID, open.ID)
	}
	if doc.Status != models.DocumentStatusProposed {
		return nil, nil, models.NewError(models.KindInvalidState, "SubmitApproval", "document %s is %s, expected %s", documentID, doc.Status, models.DocumentStatusProposed)
	}
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if p.DocumentId != documentID {
		return nil, nil, models.NewError(models.KindInvalidInput, "SubmitApproval", "proposal %s belongs to another document", proposalID)
	}
	if doc.ActiveProposalId == nil || *doc.ActiveProposalId != proposalID {
		return nil, nil, models.NewError(models.KindInvalidState, "SubmitApproval", "proposal %s is not the active proposal of document %s", proposalID, documentID)
	}
	// The mapping is frozen once an approval references the proposal.
	if !p.Mapped() {
		if err := e.mapProposal(ctx, "SubmitApproval", p); err != nil {
			return nil, nil, err
		}
	}

	actor := utils.GetActorFromContext(ctx)
	now := e.now()
	a := &models.Approval{
		ID:          e.newID(),
		DocumentId:  documentID,
		ProposalId:  proposalID,
		Status:      models.ApprovalStatusPending,
		OpenKey:     strPtr(documentID),
		SubmittedBy: actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.JobID != "" {
		a.JobId = strPtr(opts.JobID)
	}
	ev, err := e.evidence(ctx, documentID, models.ActionApprovalSubmitted, actor, models.ApprovalSummary{
		ApprovalId: a.ID,
		ProposalId: proposalID,
		Decision:   models.ApprovalStatusPending,
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := e.store.SubmitApproval(ctx, a, models.DocumentTransition{
		DocumentID:      documentID,
		ExpectedVersion: doc.Version,
		From:            models.DocumentStatusProposed,
		To:              models.DocumentStatusPendingApproval,
		Changes:         models.DocumentChanges{ApprovalId: &a.ID},
		Event:           ev.WithStatuses(models.DocumentStatusProposed, models.DocumentStatusPendingApproval),
		At:              now,
	})
	if err != nil {
		return nil, nil, err
	}
	e.invalidate(ctx, documentID, opts.JobID)
	e.log(ctx).WithFields(logrus.Fields{"document_id": documentID, "approval_id": a.ID}).Info("approval submitted")
	return a, out, nil
}

func (e *Engine) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	return e.store.GetApproval(ctx, id)
}

// ListApprovals pages approvals newest first. Passing back the returned AsOf keeps offsets stable
// while new approvals arrive.
func (e *Engine) ListApprovals(ctx context.Context, f models.ApprovalFilter) (models.ApprovalPage, error) {
	return e.store.ListApprovals(ctx, f.Normalize())
}

// Approve resolves a pending approval and then posts the proposal to the ledger, inline or via
// the job that is waiting on the approval.
func (e *Engine) Approve(ctx context.Context, approvalID string, reviewer string, note string) (*ApproveResult, error) {
	ctx, span := e.startSpan(ctx, "workflow.Approve", attribute.String("approval_id", approvalID))
	res, err := e.approve(ctx, approvalID, reviewer, note)
	endSpan(span, err)
	return res, err
}

func (e *Engine) approve(ctx context.Context, approvalID string, reviewer string, note string) (*ApproveResult, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, models.NewError(models.KindInvalidInput, "Approve", "reviewer is required")
	}
	a, doc, err := e.approveInternal(ctx, approvalID, reviewer, strings.TrimSpace(note), false)
	if err != nil {
		return nil, err
	}
	res := &ApproveResult{Approval: a, Document: doc}
	res.Document, res.PostError = e.continueAfterApproval(ctx, a, doc)
	if res.Document == nil {
		res.Document = doc
	}
	return res, nil
}

// approveInternal is the pending -> approved compare-and-set shared by human and automatic approval.
func (e *Engine) approveInternal(ctx context.Context, approvalID string, reviewer string, note string, automatic bool) (*models.Approval, *models.Document, error) {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := e.locker.Lock(ctx, a.DocumentId)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	a, err = e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status.IsResolved() {
		return nil, nil, models.NewError(models.KindAlreadyResolved, "Approve", "approval %s is already %s", approvalID, a.Status)
	}
	p, err := e.store.GetProposal(ctx, a.ProposalId)
	if err != nil {
		return nil, nil, err
	}
	if !p.Balanced() {
		return nil, nil, models.NewError(models.KindNotBalanced, "Approve", "proposal %s debits %d do not equal credits %d", p.ID, p.TotalDebit, p.TotalCredit)
	}
	doc, err := e.store.GetDocument(ctx, a.DocumentId)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status != models.DocumentStatusPendingApproval {
		return nil, nil, models.NewError(models.KindInvalidState, "Approve", "document %s is %s, expected %s", doc.ID, doc.Status, models.DocumentStatusPendingApproval)
	}

	now := e.now()
	ev, err := e.evidence(ctx, doc.ID, models.ActionApprovalApproved, reviewer, models.ApprovalSummary{
		ApprovalId: a.ID,
		ProposalId: a.ProposalId,
		Decision:   models.ApprovalStatusApproved,
		Reviewer:   reviewer,
		Reason:     note,
		Automatic:  automatic,
	})
	if err != nil {
		return nil, nil, err
	}
	resolved, out, err := e.store.ResolveApproval(ctx, models.ApprovalResolution{
		ApprovalID: a.ID,
		To:         models.ApprovalStatusApproved,
		Reviewer:   reviewer,
		Note:       note,
		At:         now,
	}, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: doc.Version,
		From:            models.DocumentStatusPendingApproval,
		To:              models.DocumentStatusApproved,
		Event:           ev.WithStatuses(models.DocumentStatusPendingApproval, models.DocumentStatusApproved),
		At:              now,
	})
	if err != nil {
		return nil, nil, err
	}
	jobID := ""
	if resolved.JobId != nil {
		jobID = *resolved.JobId
	}
	e.invalidate(ctx, doc.ID, jobID)
	e.log(ctx).WithFields(logrus.Fields{"document_id": doc.ID, "approval_id": a.ID, "automatic": automatic}).Info("approval approved")
	return resolved, out, nil
}

// continueAfterApproval triggers the ledger post for a freshly approved approval. A job waiting at
// needs_approval is resumed; otherwise the post runs inline.
func (e *Engine) continueAfterApproval(ctx context.Context, a *models.Approval, doc *models.Document) (*models.Document, error) {
	if a.JobId != nil {
		resumed, err := e.resumeApprovedJob(ctx, a)
		if resumed {
			out, gerr := e.store.GetDocument(ctx, doc.ID)
			if gerr != nil {
				return doc, err
			}
			if e.queue != nil {
				return out, nil
			}
			return out, postErrorOf(out)
		}
		if err != nil {
			e.log(ctx).WithError(err).WithField("job_id", *a.JobId).Warn("could not resume job after approval, posting inline")
		}
	}
	return e.PostToLedger(ctx, doc.ID)
}

// resumeApprovedJob moves the approval's job from needs_approval to approved and hands it to
// the queue, or runs it to completion inline when there is no queue. Only a job of the same
// document parked on this very approval is resumed.
func (e *Engine) resumeApprovedJob(ctx context.Context, a *models.Approval) (bool, error) {
	job, err := e.store.GetJob(ctx, *a.JobId)
	if err != nil {
		return false, err
	}
	if job.DocumentId != a.DocumentId || job.ApprovalId == nil || *job.ApprovalId != a.ID {
		return false, nil
	}
	if job.Status != models.JobStatusNeedsApproval || job.ActiveKey == nil {
		return false, nil
	}
	job, err = e.advanceJob(ctx, job, models.JobStatusApproved, models.JobChanges{})
	if err != nil {
		return false, err
	}
	if e.queue != nil {
		if err := e.enqueue(ctx, job); err != nil {
			e.log(ctx).WithError(err).WithField("job_id", job.ID).Warn("enqueue after approval failed, sweeper will resume")
		}
		return true, nil
	}
	_, err = e.RunJob(ctx, job.ID)
	return true, err
}

// postErrorOf reports the recorded ledger failure of an approved document.
func postErrorOf(doc *models.Document) error {
	if doc.Status == models.DocumentStatusApproved && doc.LastError != nil {
		return models.NewError(models.KindStageFailure, "PostToLedger", "%s", *doc.LastError)
	}
	return nil
}

// Reject resolves a pending approval as rejected. The reason is required.
// The document can then be re-proposed.
func (e *Engine) Reject(ctx context.Context, approvalID string, reviewer string, reason string) (*models.Approval, *models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.Reject", attribute.String("approval_id", approvalID))
	a, doc, err := e.reject(ctx, approvalID, reviewer, reason)
	endSpan(span, err)
	return a, doc, err
}

func (e *Engine) reject(ctx context.Context, approvalID string, reviewer string, reason string) (*models.Approval, *models.Document, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, models.NewError(models.KindInvalidInput, "Reject", "a rejection reason is required")
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, nil, models.NewError(models.KindInvalidInput, "Reject", "reviewer is required")
	}
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := e.locker.Lock(ctx, a.DocumentId)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	a, err = e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status.IsResolved() {
		return nil, nil, models.NewError(models.KindAlreadyResolved, "Reject", "approval %s is already %s", approvalID, a.Status)
	}
	doc, err := e.store.GetDocument(ctx, a.DocumentId)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status != models.DocumentStatusPendingApproval {
		return nil, nil, models.NewError(models.KindInvalidState, "Reject", "document %s is %s, expected %s", doc.ID, doc.Status, models.DocumentStatusPendingApproval)
	}

	now := e.now()
	ev, err := e.evidence(ctx, doc.ID, models.ActionApprovalRejected, reviewer, models.ApprovalSummary{
		ApprovalId: a.ID,
		ProposalId: a.ProposalId,
		Decision:   models.ApprovalStatusRejected,
		Reviewer:   reviewer,
		Reason:     reason,
	})
	if err != nil {
		return nil, nil, err
	}
	resolved, out, err := e.store.ResolveApproval(ctx, models.ApprovalResolution{
		ApprovalID: a.ID,
		To:         models.ApprovalStatusRejected,
		Reviewer:   reviewer,
		Note:       reason,
		At:         now,
	}, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: doc.Version,
		From:            models.DocumentStatusPendingApproval,
		To:              models.DocumentStatusRejected,
		Changes:         models.DocumentChanges{ClearActiveProposal: true},
		Event:           ev.WithStatuses(models.DocumentStatusPendingApproval, models.DocumentStatusRejected),
		At:              now,
	})
	if err != nil {
		return nil, nil, err
	}
	jobID := ""
	if resolved.JobId != nil {
		jobID = *resolved.JobId
		e.releaseWaitingJob(ctx, jobID)
	}
	e.invalidate(ctx, doc.ID, jobID)
	e.log(ctx).WithFields(logrus.Fields{"document_id": doc.ID, "approval_id": a.ID}).Info("approval rejected")
	return resolved, out, nil
}

// releaseWaitingJob frees the document's active job slot so a new job can be submitted after rejection.
func (e *Engine) releaseWaitingJob(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.log(ctx).WithError(err).WithField("job_id", jobID).Warn("could not load job waiting on rejected approval")
		return
	}
	if job.Status != models.JobStatusNeedsApproval || job.ActiveKey == nil {
		return
	}
	if _, err := e.advanceJob(ctx, job, job.Status, models.JobChanges{ReleaseActive: true}); err != nil {
		e.log(ctx).WithError(err).WithField("job_id", jobID).Warn("could not release job waiting on rejected approval")
	}
}
