package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// errStageBusy means another worker is actively running the job's current stage.
// The job is left as is and picked up again by the sweeper.
var errStageBusy = errors.New("stage is running elsewhere")

// maxJobSteps bounds one RunJob call; the full sequence is well below it.
const maxJobSteps = 32

// SubmitJob queues a pipeline run for the document. Only one job may be active per document.
func (e *Engine) SubmitJob(ctx context.Context, documentID string) (*models.Job, error) {
	ctx, span := e.startSpan(ctx, "workflow.SubmitJob", attribute.String("document_id", documentID))
	job, err := e.createJob(ctx, documentID, nil)
	endSpan(span, err)
	return job, err
}

// RetryJob queues a new attempt for a failed job. The new job resumes from the document's status.
func (e *Engine) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx, span := e.startSpan(ctx, "workflow.RetryJob", attribute.String("job_id", jobID))
	defer span.End()
	prev, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.JobStatusFailed {
		return nil, models.NewError(models.KindInvalidState, "RetryJob", "job %s is %s, only failed jobs can be retried", jobID, prev.Status)
	}
	job, err := e.createJob(ctx, prev.DocumentId, prev)
	if err != nil {
		span.RecordError(err)
	}
	return job, err
}

func (e *Engine) createJob(ctx context.Context, documentID string, retryOf *models.Job) (*models.Job, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case models.DocumentStatusPosted:
		return nil, models.NewError(models.KindInvalidState, "SubmitJob", "document %s is already posted", documentID)
	case models.DocumentStatusPendingApproval:
		return nil, models.NewError(models.KindInvalidState, "SubmitJob", "document %s is awaiting approval", documentID)
	}

	actor := utils.GetActorFromContext(ctx)
	now := e.now()
	job := &models.Job{
		ID:         e.newID(),
		DocumentId: documentID,
		Status:     models.JobStatusQueued,
		ActiveKey:  strPtr(documentID),
		Attempt:    1,
		Version:    1,
		CreatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	summary := models.JobSummary{JobId: job.ID, Status: job.Status, Attempt: 1}
	if retryOf != nil {
		job.Attempt = retryOf.Attempt + 1
		job.RetryOfJobId = strPtr(retryOf.ID)
		summary.Attempt = job.Attempt
		summary.RetryOfJobId = retryOf.ID
	}
	ev, err := e.evidence(ctx, documentID, models.ActionJobQueued, actor, summary)
	if err != nil {
		return nil, err
	}
	ev.WithJob(job.ID)
	if err := e.store.CreateJob(ctx, job, ev); err != nil {
		return nil, err
	}
	e.log(ctx).WithFields(logrus.Fields{"document_id": documentID, "job_id": job.ID, "attempt": job.Attempt}).Info("job queued")
	if err := e.enqueue(ctx, job); err != nil {
		e.log(ctx).WithError(err).WithField("job_id", job.ID).Warn("enqueue failed, sweeper will pick the job up")
	}
	return job, nil
}

func (e *Engine) enqueue(ctx context.Context, job *models.Job) error {
	if e.queue == nil {
		return nil
	}
	correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
	return e.queue.Enqueue(ctx, config.JobMessage{
		JobId:         job.ID,
		DocumentId:    job.DocumentId,
		Attempt:       job.Attempt,
		CorrelationId: correlationID,
		EnqueuedAt:    e.now(),
	})
}

func (e *Engine) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return e.store.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, documentID string) ([]models.Job, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return e.store.ListJobs(ctx, documentID)
}

// HandleJobMessage is the queue consumer. Unknown jobs are dropped; only infrastructure
// errors are returned so the message is redelivered.
func (e *Engine) HandleJobMessage(ctx context.Context, msg config.JobMessage) error {
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	_, err := e.RunJob(ctx, msg.JobId)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		e.log(ctx).WithField("job_id", msg.JobId).Warn("dropping message for unknown job")
		return nil
	case models.KindOf(err) != "":
		// Lifecycle errors are already recorded on the job.
		return nil
	default:
		return err
	}
}

// RunJob advances the job until it completes, fails or waits for approval. Every step is persisted
// before the next one starts, so a crashed run resumes where it stopped.
func (e *Engine) RunJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx = utils.SetJobIdInContext(ctx, jobID)
	ctx = utils.SetActorInContext(ctx, utils.SystemActor)
	ctx, span := e.startSpan(ctx, "workflow.RunJob", attribute.String("job_id", jobID))
	job, err := e.runJob(ctx, jobID)
	endSpan(span, err)
	return job, err
}

func (e *Engine) runJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := 0; i < maxJobSteps; i++ {
		if job.Status.StopsPolling() {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return job, err
		}
		next, err := e.stepJob(ctx, job)
		if err != nil {
			if errors.Is(err, errStageBusy) {
				e.log(ctx).WithField("status", job.Status).Info("stage busy elsewhere, leaving job for the sweeper")
				return job, nil
			}
			if k := models.KindOf(err); k == models.KindConflict || k == models.KindInvalidState {
				// Another worker may have advanced the job; fail only if it has not.
				fresh, gerr := e.store.GetJob(ctx, jobID)
				if gerr == nil && fresh.Version != job.Version {
					job = fresh
					continue
				}
			}
			return e.failJob(ctx, job, err)
		}
		job = next
	}
	return job, fmt.Errorf("job %s did not settle after %d steps", jobID, maxJobSteps)
}

// stepJob performs the work of the job's current status and persists the next one.
func (e *Engine) stepJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	switch job.Status {
	case models.JobStatusQueued:
		doc, err := e.store.GetDocument(ctx, job.DocumentId)
		if err != nil {
			return nil, err
		}
		to, err := entryStatus(doc)
		if err != nil {
			return nil, err
		}
		return e.advanceJob(ctx, job, to, models.JobChanges{})

	case models.JobStatusExtracting:
		return e.stepExtract(ctx, job)

	case models.JobStatusExtracted:
		return e.advanceJob(ctx, job, models.JobStatusProposing, models.JobChanges{})

	case models.JobStatusProposing:
		return e.stepPropose(ctx, job)

	case models.JobStatusLlmProposed:
		return e.advanceJob(ctx, job, models.JobStatusValidating, models.JobChanges{})

	case models.JobStatusValidating:
		return e.stepValidate(ctx, job)

	case models.JobStatusPolicyEvaluated:
		return e.advanceJob(ctx, job, models.JobStatusMapping, models.JobChanges{})

	case models.JobStatusMapping:
		return e.stepMap(ctx, job)

	case models.JobStatusReconciling:
		return e.stepReconcile(ctx, job)

	case models.JobStatusDeciding:
		return e.stepDecide(ctx, job)

	case models.JobStatusAutoApproved, models.JobStatusApproved:
		return e.advanceJob(ctx, job, models.JobStatusPostingToLedger, models.JobChanges{})

	case models.JobStatusPostingToLedger:
		doc, err := e.PostToLedger(ctx, job.DocumentId)
		if err != nil {
			return nil, err
		}
		return e.advanceJob(ctx, job, models.JobStatusPostedToLedger, models.JobChanges{LedgerEntryId: doc.LedgerEntryId})

	case models.JobStatusPostedToLedger:
		return e.completeJob(ctx, job)
	}
	return nil, models.NewError(models.KindInvalidState, "RunJob", "job %s cannot advance from %s", job.ID, job.Status)
}

// entryStatus picks the first job step still owed by the document.
func entryStatus(doc *models.Document) (models.JobStatus, error) {
	switch doc.Status {
	case models.DocumentStatusNew, models.DocumentStatusExtracting:
		return models.JobStatusExtracting, nil
	case models.DocumentStatusExtracted, models.DocumentStatusProposing, models.DocumentStatusRejected:
		return models.JobStatusProposing, nil
	case models.DocumentStatusProposed:
		return models.JobStatusValidating, nil
	case models.DocumentStatusApproved:
		return models.JobStatusPostingToLedger, nil
	case models.DocumentStatusPosted:
		return models.JobStatusCompleted, nil
	}
	return "", models.NewError(models.KindInvalidState, "RunJob", "document %s is %s", doc.ID, doc.Status)
}

func (e *Engine) stepExtract(ctx context.Context, job *models.Job) (*models.Job, error) {
	doc, err := e.store.GetDocument(ctx, job.DocumentId)
	if err != nil {
		return nil, err
	}
	if doc.Status == models.DocumentStatusNew || doc.Status == models.DocumentStatusExtracting {
		doc, err = e.Extract(ctx, job.DocumentId, StageOptions{})
		if err != nil {
			return nil, err
		}
		if doc.Status == models.DocumentStatusExtracting {
			return nil, errStageBusy
		}
	}
	if doc.ExtractionId == nil {
		return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s is %s without an extraction", doc.ID, doc.Status)
	}
	return e.advanceJob(ctx, job, models.JobStatusExtracted, models.JobChanges{ExtractionId: doc.ExtractionId})
}

func (e *Engine) stepPropose(ctx context.Context, job *models.Job) (*models.Job, error) {
	doc, err := e.store.GetDocument(ctx, job.DocumentId)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case models.DocumentStatusExtracted, models.DocumentStatusRejected, models.DocumentStatusProposing:
		d, _, err := e.Propose(ctx, job.DocumentId, StageOptions{})
		if err != nil {
			if errors.Is(err, models.ErrConflict) && d == nil && doc.Status == models.DocumentStatusProposing {
				return nil, errStageBusy
			}
			return nil, err
		}
		doc = d
	case models.DocumentStatusProposed:
	default:
		return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s is %s, cannot propose", doc.ID, doc.Status)
	}
	if doc.ActiveProposalId == nil {
		return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s has no active proposal", doc.ID)
	}
	return e.advanceJob(ctx, job, models.JobStatusLlmProposed, models.JobChanges{ProposalId: doc.ActiveProposalId})
}

// jobProposal loads the proposal the job works on, adopting the document's active proposal when
// the job started past the propose step.
func (e *Engine) jobProposal(ctx context.Context, job *models.Job) (*models.Document, *models.Proposal, error) {
	doc, err := e.store.GetDocument(ctx, job.DocumentId)
	if err != nil {
		return nil, nil, err
	}
	proposalID := job.ProposalId
	if proposalID == nil {
		proposalID = doc.ActiveProposalId
	}
	if proposalID == nil {
		return nil, nil, models.NewError(models.KindInvalidState, "RunJob", "document %s has no active proposal", doc.ID)
	}
	p, err := e.store.GetProposal(ctx, *proposalID)
	if err != nil {
		return nil, nil, err
	}
	return doc, p, nil
}

func (e *Engine) stepValidate(ctx context.Context, job *models.Job) (*models.Job, error) {
	doc, p, err := e.jobProposal(ctx, job)
	if err != nil {
		return nil, err
	}
	decision := models.PolicyDecision{Reason: "no auto-approval policy configured"}
	if e.stages.Policy != nil {
		err = e.callStage(ctx, "RunJob", models.StagePolicy, e.settings.StageTimeout, func(ctx context.Context) error {
			var err error
			decision, err = e.stages.Policy.Evaluate(ctx, p, doc)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	label := decision.Label()
	return e.advanceJob(ctx, job, models.JobStatusPolicyEvaluated, models.JobChanges{
		ProposalId:     &p.ID,
		PolicyDecision: &label,
		PolicyReason:   &decision.Reason,
	})
}

func (e *Engine) stepMap(ctx context.Context, job *models.Job) (*models.Job, error) {
	_, p, err := e.jobProposal(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := e.mapProposal(ctx, "RunJob", p); err != nil {
		return nil, err
	}
	return e.advanceJob(ctx, job, models.JobStatusReconciling, models.JobChanges{})
}

// mapProposal stores the mapper's account ids on the proposal. It must run before an approval
// references the proposal.
func (e *Engine) mapProposal(ctx context.Context, op string, p *models.Proposal) error {
	if e.stages.Mapper == nil {
		return nil
	}
	var mapping models.ProposalMapping
	err := e.callStage(ctx, op, models.StageMap, e.settings.StageTimeout, func(ctx context.Context) error {
		var err error
		mapping, err = e.stages.Mapper.Map(ctx, p)
		return err
	})
	if err != nil {
		return err
	}
	return e.store.UpdateProposalMapping(ctx, p.ID, mapping)
}

func (e *Engine) stepReconcile(ctx context.Context, job *models.Job) (*models.Job, error) {
	doc, p, err := e.jobProposal(ctx, job)
	if err != nil {
		return nil, err
	}
	changes := models.JobChanges{}
	if e.stages.Reconciler != nil {
		var res *models.ReconcileResult
		err = e.callStage(ctx, "RunJob", models.StageReconcile, e.settings.StageTimeout, func(ctx context.Context) error {
			var err error
			res, err = e.stages.Reconciler.Reconcile(ctx, doc, p)
			return err
		})
		if err != nil {
			return nil, err
		}
		if res != nil && res.DuplicateOfDocumentId != nil {
			changes.DuplicateOfDocumentId = res.DuplicateOfDocumentId
		}
	}
	return e.advanceJob(ctx, job, models.JobStatusDeciding, changes)
}

// stepDecide opens the approval and either approves it automatically or parks the job for a reviewer.
// It is safe to repeat after a crash: an open approval is reused and an approved document skips ahead.
func (e *Engine) stepDecide(ctx context.Context, job *models.Job) (*models.Job, error) {
	doc, p, err := e.jobProposal(ctx, job)
	if err != nil {
		return nil, err
	}
	auto, reason := autoApproval(job, p)

	var approval *models.Approval
	switch doc.Status {
	case models.DocumentStatusProposed:
		approval, doc, err = e.SubmitApproval(ctx, doc.ID, p.ID, SubmitOptions{JobID: job.ID})
		if err != nil {
			return nil, err
		}
	case models.DocumentStatusPendingApproval:
		approval, err = e.store.FindOpenApproval(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if approval == nil {
			return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s awaits approval but none is open", doc.ID)
		}
	case models.DocumentStatusApproved:
		if doc.ApprovalId == nil {
			return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s is approved without an approval", doc.ID)
		}
		return e.advanceJob(ctx, job, models.JobStatusAutoApproved, models.JobChanges{ApprovalId: doc.ApprovalId, PolicyReason: &reason})
	default:
		return nil, models.NewError(models.KindInvalidState, "RunJob", "document %s is %s, cannot decide", doc.ID, doc.Status)
	}

	if !auto {
		parked, err := e.advanceJob(ctx, job, models.JobStatusNeedsApproval, models.JobChanges{ApprovalId: &approval.ID, PolicyReason: &reason})
		if err != nil {
			return nil, err
		}
		return e.settleParkedJob(ctx, parked, approval.ID)
	}
	if _, _, err := e.approveInternal(ctx, approval.ID, utils.SystemActor, reason, true); err != nil {
		return nil, err
	}
	return e.advanceJob(ctx, job, models.JobStatusAutoApproved, models.JobChanges{ApprovalId: &approval.ID, PolicyReason: &reason})
}

// settleParkedJob handles a reviewer who resolved the approval before the job reached
// needs_approval. That resolution found no parked job to resume, so the job moves on here.
func (e *Engine) settleParkedJob(ctx context.Context, job *models.Job, approvalID string) (*models.Job, error) {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		e.log(ctx).WithError(err).WithField("approval_id", approvalID).Warn("could not re-read approval after parking job")
		return job, nil
	}
	switch a.Status {
	case models.ApprovalStatusApproved:
		return e.advanceJob(ctx, job, models.JobStatusApproved, models.JobChanges{})
	case models.ApprovalStatusRejected:
		return e.advanceJob(ctx, job, job.Status, models.JobChanges{ReleaseActive: true})
	}
	return job, nil
}

func autoApproval(job *models.Job, p *models.Proposal) (bool, string) {
	reason := ""
	if job.PolicyReason != nil {
		reason = *job.PolicyReason
	}
	if job.PolicyDecision == nil || *job.PolicyDecision != models.PolicyDecisionAutoApprove {
		return false, reason
	}
	if !p.Balanced() {
		return false, "proposal is not balanced"
	}
	if job.DuplicateOfDocumentId != nil {
		return false, fmt.Sprintf("possible duplicate of document %s", *job.DuplicateOfDocumentId)
	}
	return true, reason
}

func (e *Engine) completeJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	out, err := e.advanceJob(ctx, job, models.JobStatusCompleted, models.JobChanges{})
	if err != nil {
		return nil, err
	}
	ev, err := e.evidence(ctx, job.DocumentId, models.ActionJobCompleted, utils.SystemActor, models.JobSummary{
		JobId:   job.ID,
		Status:  models.JobStatusCompleted,
		Attempt: job.Attempt,
	})
	if err == nil {
		err = e.store.AppendEvidence(ctx, ev.WithJob(job.ID))
	}
	if err != nil {
		e.log(ctx).WithError(err).Warn("could not record job completion evidence")
	}
	e.log(ctx).WithField("document_id", job.DocumentId).Info("job completed")
	return out, nil
}

// advanceJob persists the job's next status with a compare-and-set on its version.
func (e *Engine) advanceJob(ctx context.Context, job *models.Job, to models.JobStatus, changes models.JobChanges) (*models.Job, error) {
	out, err := e.store.UpdateJob(ctx, models.JobUpdate{
		JobID:           job.ID,
		ExpectedVersion: job.Version,
		From:            job.Status,
		To:              to,
		Changes:         changes,
		At:              e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx, job.DocumentId, job.ID)
	e.log(ctx).WithFields(logrus.Fields{"from": job.Status, "to": to}).Debug("job advanced")
	return out, nil
}

// failJob marks the job failed with the error and the stage it failed in.
func (e *Engine) failJob(ctx context.Context, job *models.Job, cause error) (*models.Job, error) {
	ctx = persistContext(ctx)
	msg := cause.Error()
	stage := job.Status.Stage()
	for attempt := 0; attempt < 3; attempt++ {
		if job.Status.IsTerminal() {
			return job, cause
		}
		out, err := e.advanceJob(ctx, job, models.JobStatusFailed, models.JobChanges{Error: &msg, FailedStage: &stage})
		if err == nil {
			ev, everr := e.evidence(ctx, job.DocumentId, models.ActionJobFailed, utils.SystemActor, models.JobSummary{
				JobId:   job.ID,
				Status:  models.JobStatusFailed,
				Attempt: job.Attempt,
				Error:   msg,
			})
			if everr == nil {
				everr = e.store.AppendEvidence(ctx, ev.WithJob(job.ID))
			}
			if everr != nil {
				e.log(ctx).WithError(everr).Warn("could not record job failure evidence")
			}
			e.log(ctx).WithError(cause).WithFields(logrus.Fields{"document_id": job.DocumentId, "stage": stage}).Warn("job failed")
			return out, cause
		}
		if k := models.KindOf(err); k != models.KindConflict && k != models.KindInvalidState {
			e.log(ctx).WithError(err).Error("could not mark job failed")
			return job, cause
		}
		fresh, gerr := e.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return job, cause
		}
		job = fresh
	}
	return job, cause
}
