package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type StageOptions struct {
	// ExpectedStatus rejects the call with InvalidState unless the document is currently in it.
	ExpectedStatus *models.DocumentStatus
}

// stageSpec describes one long-running document stage.
type stageSpec struct {
	op         string
	stage      string
	inProgress models.DocumentStatus
	done       models.DocumentStatus
	canStart   func(models.DocumentStatus) bool
	failed     models.EvidenceAction
	started    models.EvidenceAction
	// busyIsNoop returns the in-progress document instead of Conflict when a fresh run exists.
	busyIsNoop bool
}

var extractSpec = stageSpec{
	op:         "Extract",
	stage:      models.StageExtract,
	inProgress: models.DocumentStatusExtracting,
	done:       models.DocumentStatusExtracted,
	canStart:   models.DocumentStatus.CanExtract,
	started:    models.ActionExtractionStarted,
	failed:     models.ActionExtractionFailed,
	busyIsNoop: true,
}

var proposeSpec = stageSpec{
	op:         "Propose",
	stage:      models.StagePropose,
	inProgress: models.DocumentStatusProposing,
	done:       models.DocumentStatusProposed,
	canStart:   models.DocumentStatus.CanPropose,
	started:    models.ActionProposalStarted,
	failed:     models.ActionProposalFailed,
}

// CreateDocument registers an uploaded file in status new.
func (e *Engine) CreateDocument(ctx context.Context, in models.NewDocument) (*models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.CreateDocument")
	doc, err := e.createDocument(ctx, in)
	endSpan(span, err)
	return doc, err
}

func (e *Engine) createDocument(ctx context.Context, in models.NewDocument) (*models.Document, error) {
	if strings.TrimSpace(in.SourceUri) == "" {
		return nil, models.NewError(models.KindInvalidInput, "CreateDocument", "source_uri is required")
	}
	actor := utils.GetActorFromContext(ctx)
	now := e.now()
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		fileName = in.SourceUri[strings.LastIndex(in.SourceUri, "/")+1:]
	}
	doc := &models.Document{
		ID:           e.newID(),
		FileName:     fileName,
		SourceUri:    in.SourceUri,
		MimeType:     in.MimeType,
		PageCount:    in.PageCount,
		Status:       models.DocumentStatusNew,
		CustomFields: models.NormalizeFieldMap(in.CustomFields),
		Version:      1,
		CreatedBy:    actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ev, err := e.evidence(ctx, doc.ID, models.ActionDocumentCreated, actor, models.DocumentIntakeSummary{
		FileName:  doc.FileName,
		SourceUri: doc.SourceUri,
		MimeType:  doc.MimeType,
		PageCount: doc.PageCount,
	})
	if err != nil {
		return nil, err
	}
	ev.ToStatus = strPtr(string(models.DocumentStatusNew))
	if err := e.store.CreateDocument(ctx, doc, ev); err != nil {
		return nil, err
	}
	e.log(ctx).WithField("document_id", doc.ID).Info("document created")
	return doc, nil
}

func (e *Engine) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return e.store.GetDocument(ctx, id)
}

func (e *Engine) GetExtraction(ctx context.Context, id string) (*models.Extraction, error) {
	return e.store.GetExtraction(ctx, id)
}

func (e *Engine) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	return e.store.GetProposal(ctx, id)
}

// ListEvidence returns the document's evidence in replay order.
func (e *Engine) ListEvidence(ctx context.Context, documentID string) ([]models.EvidenceEvent, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	events, err := e.store.ListEvidence(ctx, documentID)
	if err != nil {
		return nil, err
	}
	sortEvidence(events)
	return events, nil
}

// UpdateCustomFields replaces the user-editable fields. Status is untouched.
// A nil expectedVersion skips the version check.
func (e *Engine) UpdateCustomFields(ctx context.Context, documentID string, fields map[string]any, expectedVersion *int64) (*models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.UpdateCustomFields", attribute.String("document_id", documentID))
	doc, err := e.updateCustomFields(ctx, documentID, fields, expectedVersion)
	endSpan(span, err)
	return doc, err
}

func (e *Engine) updateCustomFields(ctx context.Context, documentID string, fields map[string]any, expectedVersion *int64) (*models.Document, error) {
	if fields == nil {
		return nil, models.NewError(models.KindInvalidInput, "UpdateCustomFields", "custom_fields is required")
	}
	unlock, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != doc.Version {
		return nil, models.NewError(models.KindConflict, "UpdateCustomFields", "document %s is at version %d, expected %d", documentID, doc.Version, *expectedVersion)
	}
	normalized := models.NormalizeFieldMap(fields)
	actor := utils.GetActorFromContext(ctx)
	ev, err := e.evidence(ctx, documentID, models.ActionCustomFieldsUpdated, actor, models.CustomFieldsSummary{
		Keys: models.SortedKeys(normalized),
	})
	if err != nil {
		return nil, err
	}
	out, err := e.store.UpdateCustomFields(ctx, documentID, doc.Version, normalized, ev, e.now())
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx, documentID)
	return out, nil
}

// Extract runs the extractor. Allowed from new and extracted; a fresh run already in progress is a no-op
// and the in-progress document is returned. On failure the document reverts and records the error.
func (e *Engine) Extract(ctx context.Context, documentID string, opts StageOptions) (*models.Document, error) {
	ctx, span := e.startSpan(ctx, "workflow.Extract", attribute.String("document_id", documentID))
	doc, err := e.runExtract(ctx, documentID, opts)
	endSpan(span, err)
	return doc, err
}

func (e *Engine) runExtract(ctx context.Context, documentID string, opts StageOptions) (*models.Document, error) {
	if e.stages.Extractor == nil {
		return nil, models.NewError(models.KindStageFailure, "Extract", "no extractor configured")
	}
	doc, begun, err := e.beginStage(ctx, documentID, extractSpec, opts)
	if err != nil || !begun {
		return doc, err
	}

	var res *models.ExtractionResult
	err = e.callStage(ctx, "Extract", models.StageExtract, e.settings.StageTimeout, func(ctx context.Context) error {
		var err error
		res, err = e.stages.Extractor.Extract(ctx, doc)
		return err
	})
	if err == nil && (res == nil || len(res.Fields) == 0) {
		err = models.NewError(models.KindStageFailure, "Extract", "extractor returned no fields")
	}
	if err != nil {
		return e.failStage(ctx, doc, extractSpec, err)
	}

	actor := utils.GetActorFromContext(ctx)
	fields := models.NormalizeFieldMap(res.Fields)
	extraction := &models.Extraction{
		ID:         e.newID(),
		DocumentId: doc.ID,
		Fields:     fields,
		Confidence: res.Confidence,
		Model:      res.Model,
		CreatedBy:  actor,
		CreatedAt:  e.now(),
	}
	ev, err := e.evidence(ctx, doc.ID, models.ActionExtractionCompleted, actor, models.ExtractionSummary{
		ExtractionId: extraction.ID,
		FieldCount:   len(fields),
		Fields:       models.SortedKeys(fields),
		Confidence:   res.Confidence,
		Model:        res.Model,
	})
	if err != nil {
		return nil, err
	}
	return e.finishStage(ctx, doc, extractSpec, models.DocumentChanges{
		ExtractedFields:  fields,
		ExtractionId:     &extraction.ID,
		Extraction:       extraction,
		ClearStageOrigin: true,
	}, ev)
}

// Propose runs the reasoner over the extracted fields and stores a new active proposal.
// Allowed from extracted, proposed and rejected. Prior proposals are kept.
func (e *Engine) Propose(ctx context.Context, documentID string, opts StageOptions) (*models.Document, *models.Proposal, error) {
	ctx, span := e.startSpan(ctx, "workflow.Propose", attribute.String("document_id", documentID))
	doc, p, err := e.runPropose(ctx, documentID, opts)
	endSpan(span, err)
	return doc, p, err
}

func (e *Engine) runPropose(ctx context.Context, documentID string, opts StageOptions) (*models.Document, *models.Proposal, error) {
	if e.stages.Reasoner == nil {
		return nil, nil, models.NewError(models.KindStageFailure, "Propose", "no reasoner configured")
	}
	doc, _, err := e.beginStage(ctx, documentID, proposeSpec, opts)
	if err != nil {
		return doc, nil, err
	}

	var draft *models.ProposalDraft
	err = e.callStage(ctx, "Propose", models.StagePropose, e.settings.StageTimeout, func(ctx context.Context) error {
		var err error
		draft, err = e.stages.Reasoner.Propose(ctx, doc)
		return err
	})
	actor := utils.GetActorFromContext(ctx)
	var p *models.Proposal
	if err == nil {
		p, err = models.NewProposal(e.newID(), doc, draft, actor, e.now())
		if err != nil {
			err = models.WrapError(models.KindStageFailure, "Propose", err, "reasoner returned an unusable proposal")
		}
	}
	if err != nil {
		d, ferr := e.failStage(ctx, doc, proposeSpec, err)
		return d, nil, ferr
	}

	ev, err := e.evidence(ctx, doc.ID, models.ActionProposalCreated, actor, models.ProposalSummary{
		ProposalId:   p.ID,
		EntryCount:   len(p.Entries),
		TotalDebit:   p.TotalDebit,
		TotalCredit:  p.TotalCredit,
		IsBalanced:   p.IsBalanced,
		AiConfidence: p.AiConfidence,
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := e.finishStage(ctx, doc, proposeSpec, models.DocumentChanges{
		Proposal:         p,
		ActiveProposalId: &p.ID,
		ClearStageOrigin: true,
	}, ev)
	if err != nil {
		return out, nil, err
	}
	return out, p, nil
}

// beginStage moves the document into the stage's in-progress status. begun is false when
// an extraction is already running and the call is a no-op.
func (e *Engine) beginStage(ctx context.Context, documentID string, spec stageSpec, opts StageOptions) (*models.Document, bool, error) {
	unlock, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	if opts.ExpectedStatus != nil && doc.Status != *opts.ExpectedStatus {
		return nil, false, models.NewError(models.KindInvalidState, spec.op, "document %s is %s, expected %s", documentID, doc.Status, *opts.ExpectedStatus)
	}
	if doc.Status == spec.inProgress {
		if !e.isStale(doc) {
			if spec.busyIsNoop {
				return doc, false, nil
			}
			return nil, false, models.NewError(models.KindConflict, spec.op, "%s already in progress for document %s", spec.stage, documentID)
		}
		doc, err = e.takeOver(ctx, doc, spec)
		if err != nil {
			return nil, false, err
		}
	}
	if !spec.canStart(doc.Status) {
		return nil, false, models.NewError(models.KindInvalidState, spec.op, "cannot %s document %s in status %s", spec.stage, documentID, doc.Status)
	}
	if spec.inProgress == models.DocumentStatusProposing && !doc.HasExtractedFields() {
		return nil, false, models.NewError(models.KindInvalidState, spec.op, "document %s has no extracted fields", documentID)
	}

	actor := utils.GetActorFromContext(ctx)
	ev, err := e.evidence(ctx, documentID, spec.started, actor, models.StageSummary{Stage: spec.stage, Origin: doc.Status})
	if err != nil {
		return nil, false, err
	}
	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      documentID,
		ExpectedVersion: doc.Version,
		From:            doc.Status,
		To:              spec.inProgress,
		Changes:         models.DocumentChanges{StageOrigin: statusPtr(doc.Status)},
		Event:           ev.WithStatuses(doc.Status, spec.inProgress),
		At:              e.now(),
	})
	if err != nil {
		return nil, false, err
	}
	e.invalidate(ctx, documentID)
	return out, true, nil
}

func (e *Engine) isStale(doc *models.Document) bool {
	return e.now().Sub(doc.UpdatedAt) >= e.settings.StaleAfter
}

// takeOver reverts an abandoned in-progress document to the status it started from.
func (e *Engine) takeOver(ctx context.Context, doc *models.Document, spec stageSpec) (*models.Document, error) {
	origin := stageOrigin(doc, spec)
	reason := fmt.Sprintf("%s run abandoned since %s", spec.stage, doc.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	ev, err := e.evidence(ctx, doc.ID, models.ActionStageTakeover, utils.GetActorFromContext(ctx), models.StageSummary{
		Stage:  spec.stage,
		Origin: origin,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: doc.Version,
		From:            doc.Status,
		To:              origin,
		Changes: models.DocumentChanges{
			ClearStageOrigin: true,
			LastError:        &reason,
			FailedStage:      strPtr(spec.stage),
		},
		Event: ev.WithStatuses(doc.Status, origin),
		At:    e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).WithFields(logrus.Fields{"document_id": doc.ID, "stage": spec.stage}).Warn("took over abandoned stage run")
	return out, nil
}

func stageOrigin(doc *models.Document, spec stageSpec) models.DocumentStatus {
	if doc.StageOrigin != nil && doc.StageOrigin.CanTransitionTo(spec.inProgress) {
		return *doc.StageOrigin
	}
	if spec.inProgress == models.DocumentStatusExtracting {
		if doc.HasExtractedFields() {
			return models.DocumentStatusExtracted
		}
		return models.DocumentStatusNew
	}
	return models.DocumentStatusExtracted
}

// finishStage records a successful stage. If the run was taken over meanwhile the result is discarded.
func (e *Engine) finishStage(ctx context.Context, doc *models.Document, spec stageSpec, changes models.DocumentChanges, ev *models.EvidenceEvent) (*models.Document, error) {
	ctx = persistContext(ctx)
	unlock, err := e.locker.Lock(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: doc.Version,
		From:            spec.inProgress,
		To:              spec.done,
		Changes:         changes,
		Event:           ev.WithStatuses(spec.inProgress, spec.done),
		At:              e.now(),
	})
	if err != nil {
		k := models.KindOf(err)
		if k == models.KindConflict || k == models.KindInvalidState {
			e.log(ctx).WithError(err).WithField("document_id", doc.ID).Warn("discarding stale stage result")
			return nil, models.WrapError(models.KindConflict, spec.op, err, "%s result superseded", spec.stage)
		}
		return nil, err
	}
	e.invalidate(ctx, doc.ID)
	e.log(ctx).WithFields(logrus.Fields{"document_id": doc.ID, "stage": spec.stage}).Info("stage completed")
	return out, nil
}

// failStage reverts the document to its origin with the failure overlay and returns the classified error.
func (e *Engine) failStage(ctx context.Context, doc *models.Document, spec stageSpec, stageErr error) (*models.Document, error) {
	ctx = persistContext(ctx)
	stageErr = models.StageError(spec.op, spec.stage, stageErr)
	origin := stageOrigin(doc, spec)
	msg := stageErr.Error()

	unlock, err := e.locker.Lock(ctx, doc.ID)
	if err != nil {
		return nil, stageErr
	}
	defer unlock()

	ev, err := e.evidence(ctx, doc.ID, spec.failed, utils.GetActorFromContext(ctx), models.FailureSummary(spec.stage, stageErr))
	if err != nil {
		return nil, stageErr
	}
	out, err := e.store.TransitionDocument(ctx, models.DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: doc.Version,
		From:            spec.inProgress,
		To:              origin,
		Changes: models.DocumentChanges{
			ClearStageOrigin: true,
			LastError:        &msg,
			FailedStage:      strPtr(spec.stage),
		},
		Event: ev.WithStatuses(spec.inProgress, origin),
		At:    e.now(),
	})
	if err != nil {
		e.log(ctx).WithError(err).WithField("document_id", doc.ID).Warn("could not record stage failure")
		return nil, stageErr
	}
	e.invalidate(ctx, doc.ID)
	e.log(ctx).WithError(stageErr).WithFields(logrus.Fields{"document_id": doc.ID, "stage": spec.stage}).Warn("stage failed")
	return out, stageErr
}

func sortEvidence(events []models.EvidenceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return models.EvidenceLess(&events[i], &events[j])
	})
}
