package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type EvidenceAction string

const (
	ActionDocumentCreated     EvidenceAction = "document.created"
	ActionCustomFieldsUpdated EvidenceAction = "document.custom_fields_updated"
	ActionExtractionStarted   EvidenceAction = "extraction.started"
	ActionExtractionCompleted EvidenceAction = "extraction.completed"
	ActionExtractionFailed    EvidenceAction = "extraction.failed"
	ActionProposalStarted     EvidenceAction = "proposal.started"
	ActionProposalCreated     EvidenceAction = "proposal.created"
	ActionProposalFailed      EvidenceAction = "proposal.failed"
	ActionApprovalSubmitted   EvidenceAction = "approval.submitted"
	ActionApprovalApproved    EvidenceAction = "approval.approved"
	ActionApprovalRejected    EvidenceAction = "approval.rejected"
	ActionLedgerPosted        EvidenceAction = "ledger.posted"
	ActionLedgerPostFailed    EvidenceAction = "ledger.post_failed"
	ActionJobQueued           EvidenceAction = "job.queued"
	ActionJobFailed           EvidenceAction = "job.failed"
	ActionJobCompleted        EvidenceAction = "job.completed"
	ActionStageTakeover       EvidenceAction = "stage.taken_over"
)

type PayloadKind string

const (
	PayloadDocumentIntake PayloadKind = "document_intake"
	PayloadCustomFields   PayloadKind = "custom_fields"
	PayloadExtraction     PayloadKind = "extraction"
	PayloadProposal       PayloadKind = "proposal"
	PayloadApproval       PayloadKind = "approval"
	PayloadLedger         PayloadKind = "ledger"
	PayloadStageFailure   PayloadKind = "stage_failure"
	PayloadJob            PayloadKind = "job"
	PayloadStage          PayloadKind = "stage"
)

// EvidencePayload is implemented by each producing stage's summary type.
type EvidencePayload interface {
	PayloadKind() PayloadKind
}

type DocumentIntakeSummary struct {
	FileName  string `json:"file_name"`
	SourceUri string `json:"source_uri"`
	MimeType  string `json:"mime_type,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}

type CustomFieldsSummary struct {
	Keys []string `json:"keys"`
}

type ExtractionSummary struct {
	ExtractionId string   `json:"extraction_id"`
	FieldCount   int      `json:"field_count"`
	Fields       []string `json:"fields"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type ProposalSummary struct {
	ProposalId   string  `json:"proposal_id"`
	EntryCount   int     `json:"entry_count"`
	TotalDebit   int64   `json:"total_debit"`
	TotalCredit  int64   `json:"total_credit"`
	IsBalanced   bool    `json:"is_balanced"`
	AiConfidence float64 `json:"ai_confidence"`
}

type ApprovalSummary struct {
	ApprovalId string         `json:"approval_id"`
	ProposalId string         `json:"proposal_id"`
	Decision   ApprovalStatus `json:"decision"`
	Reviewer   string         `json:"reviewer,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Automatic  bool           `json:"automatic,omitempty"`
}

type LedgerSummary struct {
	ApprovalId    string `json:"approval_id"`
	LedgerEntryId string `json:"ledger_entry_id"`
	TotalDebit    int64  `json:"total_debit"`
	TotalCredit   int64  `json:"total_credit"`
}

type StageFailureSummary struct {
	Stage     string    `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
}

type JobSummary struct {
	JobId        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Attempt      int       `json:"attempt"`
	RetryOfJobId string    `json:"retry_of_job_id,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// StageSummary records a stage start or a takeover of an abandoned run.
type StageSummary struct {
	Stage  string         `json:"stage"`
	Origin DocumentStatus `json:"origin"`
	Reason string         `json:"reason,omitempty"`
}

func (DocumentIntakeSummary) PayloadKind() PayloadKind { return PayloadDocumentIntake }
func (CustomFieldsSummary) PayloadKind() PayloadKind   { return PayloadCustomFields }
func (ExtractionSummary) PayloadKind() PayloadKind     { return PayloadExtraction }
func (ProposalSummary) PayloadKind() PayloadKind       { return PayloadProposal }
func (ApprovalSummary) PayloadKind() PayloadKind       { return PayloadApproval }
func (LedgerSummary) PayloadKind() PayloadKind         { return PayloadLedger }
func (StageFailureSummary) PayloadKind() PayloadKind   { return PayloadStageFailure }
func (JobSummary) PayloadKind() PayloadKind            { return PayloadJob }
func (StageSummary) PayloadKind() PayloadKind          { return PayloadStage }

// FailureSummary builds the payload for a classified stage error.
func FailureSummary(stage string, err error) StageFailureSummary {
	kind := KindOf(err)
	if kind == "" {
		kind = KindStageFailure
	}
	return StageFailureSummary{
		Stage:     stage,
		Kind:      kind,
		Error:     err.Error(),
		Retryable: Retryable(err) || kind == KindStageFailure,
	}
}

// EvidenceEvent is append-only. Replay order is (timestamp, seq).
type EvidenceEvent struct {
	Seq         int64          `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID          string         `gorm:"size:36;not null;uniqueIndex" json:"id"`
	DocumentId  string         `gorm:"size:36;not null;index:idx_evidence_doc_ts,priority:1" json:"document_id"`
	JobId       *string        `gorm:"size:36;index" json:"job_id"`
	Action      EvidenceAction `gorm:"size:64;not null" json:"action"`
	Actor       string         `gorm:"size:255;not null" json:"actor"`
	FromStatus  *string        `gorm:"size:32" json:"from_status"`
	ToStatus    *string        `gorm:"size:32" json:"to_status"`
	PayloadKind PayloadKind    `gorm:"size:32;not null" json:"payload_kind"`
	Payload     datatypes.JSON `gorm:"type:json" json:"payload"`
	Timestamp   time.Time      `gorm:"not null;index:idx_evidence_doc_ts,priority:2" json:"timestamp"`
}

// NewEvidence marshals payload into a new event. Ids and timestamps are assigned by the caller.
func NewEvidence(id string, documentID string, action EvidenceAction, actor string, payload EvidencePayload) (*EvidenceEvent, error) {
	if payload == nil {
		return nil, fmt.Errorf("evidence %s has no payload", action)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", payload.PayloadKind(), err)
	}
	return &EvidenceEvent{
		ID:          id,
		DocumentId:  documentID,
		Action:      action,
		Actor:       actor,
		PayloadKind: payload.PayloadKind(),
		Payload:     datatypes.JSON(b),
	}, nil
}

// WithStatuses records the document edge the event belongs to.
func (e *EvidenceEvent) WithStatuses(from, to DocumentStatus) *EvidenceEvent {
	f, t := string(from), string(to)
	e.FromStatus = &f
	e.ToStatus = &t
	return e
}

func (e *EvidenceEvent) WithJob(jobID string) *EvidenceEvent {
	if jobID != "" {
		id := jobID
		e.JobId = &id
	}
	return e
}

// DecodePayload returns the typed payload variant for PayloadKind.
func (e *EvidenceEvent) DecodePayload() (EvidencePayload, error) {
	var p EvidencePayload
	switch e.PayloadKind {
	case PayloadDocumentIntake:
		p = &DocumentIntakeSummary{}
	case PayloadCustomFields:
		p = &CustomFieldsSummary{}
	case PayloadExtraction:
		p = &ExtractionSummary{}
	case PayloadProposal:
		p = &ProposalSummary{}
	case PayloadApproval:
		p = &ApprovalSummary{}
	case PayloadLedger:
		p = &LedgerSummary{}
	case PayloadStageFailure:
		p = &StageFailureSummary{}
	case PayloadJob:
		p = &JobSummary{}
	case PayloadStage:
		p = &StageSummary{}
	default:
		return nil, fmt.Errorf("unknown evidence payload kind %q", e.PayloadKind)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.PayloadKind, err)
	}
	return p, nil
}

// EvidenceLess is the replay order: timestamp, then insertion sequence.
func EvidenceLess(a, b *EvidenceEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}
