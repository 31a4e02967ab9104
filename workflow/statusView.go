package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
)

const (
	StatusKindJob      = "job"
	StatusKindDocument = "document"
)

// StatusView is the poll response for a job or a document.
// KeepPolling is false once nothing will change without outside action.
type StatusView struct {
	Kind           string                `json:"kind"`
	ID             string                `json:"id"`
	Status         string                `json:"status"`
	Version        int64                 `json:"version"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Terminal       bool                  `json:"terminal"`
	KeepPolling    bool                  `json:"keep_polling"`
	Failed         bool                  `json:"failed"`
	Error          *string               `json:"error,omitempty"`
	FailedStage    *string               `json:"failed_stage,omitempty"`
	RetryAfterMs   int64                 `json:"retry_after_ms,omitempty"`
	DocumentId     string                `json:"document_id"`
	DocumentStatus models.DocumentStatus `json:"document_status,omitempty"`
	ExtractionId   *string               `json:"extraction_id,omitempty"`
	ProposalId     *string               `json:"proposal_id,omitempty"`
	ApprovalId     *string               `json:"approval_id,omitempty"`
	LedgerEntryId  *string               `json:"ledger_entry_id,omitempty"`
	Progress       *Progress             `json:"progress,omitempty"`
}

type Progress struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

// GetJobStatus renders a job for polling. Views are cached for one poll interval.
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (StatusView, error) {
	key := jobStatusKey(jobID)
	var v StatusView
	if ok, err := e.cache.Get(ctx, key, &v); err == nil && ok {
		return v, nil
	} else if err != nil {
		e.log(ctx).WithError(err).Warn("status cache read failed")
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	var doc *models.Document
	if d, err := e.store.GetDocument(ctx, job.DocumentId); err == nil {
		doc = d
	}
	v = e.jobView(job, doc)
	e.storeView(ctx, key, v)
	return v, nil
}

// GetDocumentStatus renders a document for polling.
func (e *Engine) GetDocumentStatus(ctx context.Context, documentID string) (StatusView, error) {
	key := documentStatusKey(documentID)
	var v StatusView
	if ok, err := e.cache.Get(ctx, key, &v); err == nil && ok {
		return v, nil
	} else if err != nil {
		e.log(ctx).WithError(err).Warn("status cache read failed")
	}
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return StatusView{}, err
	}
	v = e.documentView(doc)
	e.storeView(ctx, key, v)
	return v, nil
}

func (e *Engine) storeView(ctx context.Context, key string, v StatusView) {
	if err := e.cache.Set(ctx, key, v, e.settings.PollInterval); err != nil {
		e.log(ctx).WithError(err).Warn("status cache write failed")
	}
}

func (e *Engine) jobView(job *models.Job, doc *models.Document) StatusView {
	step, total := job.Status.Step()
	v := StatusView{
		Kind:          StatusKindJob,
		ID:            job.ID,
		Status:        string(job.Status),
		Version:       job.Version,
		UpdatedAt:     job.UpdatedAt,
		Terminal:      job.Status.IsTerminal(),
		KeepPolling:   !job.Status.StopsPolling(),
		Failed:        job.Status == models.JobStatusFailed,
		Error:         job.Error,
		FailedStage:   job.FailedStage,
		DocumentId:    job.DocumentId,
		ExtractionId:  job.ExtractionId,
		ProposalId:    job.ProposalId,
		ApprovalId:    job.ApprovalId,
		LedgerEntryId: job.LedgerEntryId,
		Progress:      &Progress{Step: step, Total: total},
	}
	if doc != nil {
		v.DocumentStatus = doc.Status
	}
	if v.KeepPolling {
		v.RetryAfterMs = e.settings.PollInterval.Milliseconds()
	}
	return v
}

func (e *Engine) documentView(doc *models.Document) StatusView {
	v := StatusView{
		Kind:           StatusKindDocument,
		ID:             doc.ID,
		Status:         string(doc.Status),
		Version:        doc.Version,
		UpdatedAt:      doc.UpdatedAt,
		Terminal:       doc.Status.IsTerminal(),
		Failed:         doc.IsFailed(),
		Error:          doc.LastError,
		FailedStage:    doc.FailedStage,
		DocumentId:     doc.ID,
		DocumentStatus: doc.Status,
		ExtractionId:   doc.ExtractionId,
		ProposalId:     doc.ActiveProposalId,
		ApprovalId:     doc.ApprovalId,
		LedgerEntryId:  doc.LedgerEntryId,
	}
	// An approved document without a failure is about to be posted.
	v.KeepPolling = doc.Status.IsInProgress() || (doc.Status == models.DocumentStatusApproved && !doc.IsFailed())
	if v.KeepPolling {
		v.RetryAfterMs = e.settings.PollInterval.Milliseconds()
	}
	return v
}
