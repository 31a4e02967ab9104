package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

type DocumentStatus string

const (
	DocumentStatusNew             DocumentStatus = "new"
	DocumentStatusExtracting      DocumentStatus = "extracting"
	DocumentStatusExtracted       DocumentStatus = "extracted"
	DocumentStatusProposing       DocumentStatus = "proposing"
	DocumentStatusProposed        DocumentStatus = "proposed"
	DocumentStatusPendingApproval DocumentStatus = "pending_approval"
	DocumentStatusApproved        DocumentStatus = "approved"
	DocumentStatusRejected        DocumentStatus = "rejected"
	DocumentStatusPosted          DocumentStatus = "posted"
)

// documentStatusProcessed is a deprecated producer alias of extracted. It is never stored.
const documentStatusProcessed = "processed"

// documentTransitions is the complete edge set of the document lifecycle.
// The reverse edges out of extracting/proposing are the stage-failure reverts to the pre-stage status.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusNew:             {DocumentStatusExtracting},
	DocumentStatusExtracting:      {DocumentStatusExtracted, DocumentStatusNew},
	DocumentStatusExtracted:       {DocumentStatusExtracting, DocumentStatusProposing},
	DocumentStatusProposing:       {DocumentStatusProposed, DocumentStatusExtracted, DocumentStatusRejected},
	DocumentStatusProposed:        {DocumentStatusProposing, DocumentStatusPendingApproval},
	DocumentStatusPendingApproval: {DocumentStatusApproved, DocumentStatusRejected},
	DocumentStatusApproved:        {DocumentStatusPosted},
	DocumentStatusRejected:        {DocumentStatusProposing},
	DocumentStatusPosted:          {},
}

var allDocumentStatuses = []DocumentStatus{
	DocumentStatusNew, DocumentStatusExtracting, DocumentStatusExtracted, DocumentStatusProposing,
	DocumentStatusProposed, DocumentStatusPendingApproval, DocumentStatusApproved,
	DocumentStatusRejected, DocumentStatusPosted,
}

func AllDocumentStatuses() []DocumentStatus {
	out := make([]DocumentStatus, len(allDocumentStatuses))
	copy(out, allDocumentStatuses)
	return out
}

// ParseDocumentStatus accepts the canonical names and the "processed" alias.
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == documentStatusProcessed {
		return DocumentStatusExtracted, nil
	}
	st := DocumentStatus(v)
	if !st.IsValid() {
		return "", NewError(KindInvalidInput, "ParseDocumentStatus", "unknown document status %q", s)
	}
	return st, nil
}

func (s DocumentStatus) IsValid() bool {
	_, ok := documentTransitions[s]
	return ok
}

func (s DocumentStatus) CanTransitionTo(to DocumentStatus) bool {
	for _, next := range documentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s DocumentStatus) Next() []DocumentStatus {
	next := documentTransitions[s]
	out := make([]DocumentStatus, len(next))
	copy(out, next)
	return out
}

// IsTerminal: no automated transition leaves these without an explicit external action.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusPosted || s == DocumentStatusRejected
}

// IsInProgress marks statuses held only while a stage call is outstanding.
func (s DocumentStatus) IsInProgress() bool {
	return s == DocumentStatusExtracting || s == DocumentStatusProposing
}

// CanExtract is true where extract may start, including re-extraction of an extracted document.
func (s DocumentStatus) CanExtract() bool {
	return s == DocumentStatusNew || s == DocumentStatusExtracted
}

// CanPropose is true where propose may start. Rejected documents re-enter here.
func (s DocumentStatus) CanPropose() bool {
	return s == DocumentStatusExtracted || s == DocumentStatusProposed || s == DocumentStatusRejected
}

func (s *DocumentStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("document status must be string: %w", err)
	}
	st, err := ParseDocumentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s DocumentStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan normalizes legacy "processed" rows.
func (s *DocumentStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		*s = ""
		return nil
	default:
		return fmt.Errorf("cannot scan %T into DocumentStatus", value)
	}
	st, err := ParseDocumentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusExtracting      JobStatus = "extracting"
	JobStatusExtracted       JobStatus = "extracted"
	JobStatusProposing       JobStatus = "proposing"
	JobStatusLlmProposed     JobStatus = "llm_proposed"
	JobStatusValidating      JobStatus = "validating"
	JobStatusPolicyEvaluated JobStatus = "policy_evaluated"
	JobStatusMapping         JobStatus = "mapping"
	JobStatusReconciling     JobStatus = "reconciling"
	JobStatusDeciding        JobStatus = "deciding"
	JobStatusNeedsApproval   JobStatus = "needs_approval"
	JobStatusAutoApproved    JobStatus = "auto_approved"
	JobStatusApproved        JobStatus = "approved"
	JobStatusPostingToLedger JobStatus = "posting_to_ledger"
	JobStatusPostedToLedger  JobStatus = "posted_to_ledger"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// jobSequence is the happy path. Its order drives progress reporting.
var jobSequence = []JobStatus{
	JobStatusQueued,
	JobStatusExtracting,
	JobStatusExtracted,
	JobStatusProposing,
	JobStatusLlmProposed,
	JobStatusValidating,
	JobStatusPolicyEvaluated,
	JobStatusMapping,
	JobStatusReconciling,
	JobStatusDeciding,
	JobStatusNeedsApproval,
	JobStatusApproved,
	JobStatusPostingToLedger,
	JobStatusPostedToLedger,
	JobStatusCompleted,
}

// jobTransitions excludes the implicit "any non-terminal -> failed" edge.
var jobTransitions = map[JobStatus][]JobStatus{
	// queued resumes at the entry stage implied by the document's status.
	JobStatusQueued: {
		JobStatusExtracting, JobStatusProposing, JobStatusValidating,
		JobStatusNeedsApproval, JobStatusPostingToLedger, JobStatusCompleted,
	},
	JobStatusExtracting:      {JobStatusExtracted},
	JobStatusExtracted:       {JobStatusProposing},
	JobStatusProposing:       {JobStatusLlmProposed},
	JobStatusLlmProposed:     {JobStatusValidating},
	JobStatusValidating:      {JobStatusPolicyEvaluated},
	JobStatusPolicyEvaluated: {JobStatusMapping},
	JobStatusMapping:         {JobStatusReconciling},
	JobStatusReconciling:     {JobStatusDeciding},
	JobStatusDeciding:        {JobStatusNeedsApproval, JobStatusAutoApproved},
	JobStatusNeedsApproval:   {JobStatusApproved},
	JobStatusAutoApproved:    {JobStatusPostingToLedger},
	JobStatusApproved:        {JobStatusPostingToLedger},
	JobStatusPostingToLedger: {JobStatusPostedToLedger},
	JobStatusPostedToLedger:  {JobStatusCompleted},
	JobStatusCompleted:       {},
	JobStatusFailed:          {},
}

func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", NewError(KindInvalidInput, "ParseJobStatus", "unknown job status %q", s)
	}
	return st, nil
}

func (s JobStatus) IsValid() bool {
	_, ok := jobTransitions[s]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StopsPolling: the automated part of the job is finished. needs_approval waits on a human.
func (s JobStatus) StopsPolling() bool {
	return s.IsTerminal() || s == JobStatusNeedsApproval
}

func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	if to == JobStatusFailed {
		return !s.IsTerminal()
	}
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Step returns the 1-based position on the happy path and the path length.
// auto_approved shares the slot of needs_approval; failed reports step 0.
func (s JobStatus) Step() (int, int) {
	if s == JobStatusAutoApproved {
		s = JobStatusNeedsApproval
	}
	for i, st := range jobSequence {
		if st == s {
			return i + 1, len(jobSequence)
		}
	}
	return 0, len(jobSequence)
}

// Stage names the pipeline stage a job status belongs to; used for failed_stage.
func (s JobStatus) Stage() string {
	switch s {
	case JobStatusQueued:
		return "queue"
	case JobStatusExtracting, JobStatusExtracted:
		return StageExtract
	case JobStatusProposing, JobStatusLlmProposed:
		return StagePropose
	case JobStatusValidating, JobStatusPolicyEvaluated:
		return StagePolicy
	case JobStatusMapping:
		return StageMap
	case JobStatusReconciling:
		return StageReconcile
	case JobStatusDeciding, JobStatusNeedsApproval, JobStatusAutoApproved, JobStatusApproved:
		return StageDecide
	case JobStatusPostingToLedger, JobStatusPostedToLedger, JobStatusCompleted:
		return StageLedgerPost
	}
	return ""
}

// Pipeline stage names recorded on failures.
const (
	StageExtract    = "extract"
	StagePropose    = "propose"
	StagePolicy     = "policy"
	StageMap        = "map"
	StageReconcile  = "reconcile"
	StageDecide     = "decide"
	StageLedgerPost = "ledger_post"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	st := ApprovalStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		return st, nil
	}
	return "", NewError(KindInvalidInput, "ParseApprovalStatus", "unknown approval status %q", s)
}

func (s ApprovalStatus) IsResolved() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}
