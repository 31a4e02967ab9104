package models

import "time"

// Job is one orchestrated pipeline run for a document.
// ActiveKey holds the document id while the job is running; the unique index allows one active job per document.
type Job struct {
	ID                    string     `gorm:"primaryKey;size:36" json:"id"`
	DocumentId            string     `gorm:"size:36;not null;index" json:"document_id"`
	Status                JobStatus  `gorm:"size:32;not null;index:idx_jobs_status_updated,priority:1" json:"status"`
	ActiveKey             *string    `gorm:"size:36;uniqueIndex" json:"-"`
	Attempt               int        `gorm:"not null;default:1" json:"attempt"`
	RetryOfJobId          *string    `gorm:"size:36;index" json:"retry_of_job_id"`
	ExtractionId          *string    `gorm:"size:36" json:"extraction_id"`
	ProposalId            *string    `gorm:"size:36" json:"proposal_id"`
	ApprovalId            *string    `gorm:"size:36" json:"approval_id"`
	LedgerEntryId         *string    `gorm:"size:64" json:"ledger_entry_id"`
	PolicyDecision        *string    `gorm:"size:32" json:"policy_decision"`
	PolicyReason          *string    `gorm:"type:text" json:"policy_reason"`
	DuplicateOfDocumentId *string    `gorm:"size:36" json:"duplicate_of_document_id"`
	Error                 *string    `gorm:"type:text" json:"error"`
	FailedStage           *string    `gorm:"size:32" json:"failed_stage"`
	Version               int64      `gorm:"not null;default:1" json:"version"`
	CreatedBy             string     `gorm:"size:255" json:"created_by"`
	CreatedAt             time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"not null;index:idx_jobs_status_updated,priority:2" json:"updated_at"`
	CompletedAt           *time.Time `json:"completed_at"`
}

const (
	PolicyDecisionAutoApprove   = "auto_approve"
	PolicyDecisionNeedsApproval = "needs_approval"
)

// JobChanges are optional column updates carried by a JobUpdate.
type JobChanges struct {
	ExtractionId          *string
	ProposalId            *string
	ApprovalId            *string
	LedgerEntryId         *string
	PolicyDecision        *string
	PolicyReason          *string
	DuplicateOfDocumentId *string
	Error                 *string
	FailedStage           *string
	// ReleaseActive frees the document for a new job without changing status.
	ReleaseActive bool
}

// JobUpdate is a compare-and-set on (version, status).
// From == To is allowed only to release the active slot.
type JobUpdate struct {
	JobID           string
	ExpectedVersion int64
	From            JobStatus
	To              JobStatus
	Changes         JobChanges
	At              time.Time
}

func (u JobUpdate) Validate() error {
	if u.From == u.To {
		if u.Changes.ReleaseActive {
			return nil
		}
		return NewError(KindInvalidState, "JobUpdate", "self transition %s -> %s", u.From, u.To)
	}
	if !u.From.CanTransitionTo(u.To) {
		return NewError(KindInvalidState, "JobUpdate", "illegal job transition %s -> %s", u.From, u.To)
	}
	return nil
}

func (u JobUpdate) releasesActive() bool {
	return u.Changes.ReleaseActive || u.To.IsTerminal()
}

// Apply mutates j as the store would.
func (u JobUpdate) Apply(j *Job) {
	c := u.Changes
	j.Status = u.To
	setIf(&j.ExtractionId, c.ExtractionId)
	setIf(&j.ProposalId, c.ProposalId)
	setIf(&j.ApprovalId, c.ApprovalId)
	setIf(&j.LedgerEntryId, c.LedgerEntryId)
	setIf(&j.PolicyDecision, c.PolicyDecision)
	setIf(&j.PolicyReason, c.PolicyReason)
	setIf(&j.DuplicateOfDocumentId, c.DuplicateOfDocumentId)
	setIf(&j.Error, c.Error)
	setIf(&j.FailedStage, c.FailedStage)
	if u.releasesActive() {
		j.ActiveKey = nil
	}
	if u.To.IsTerminal() {
		at := u.At
		j.CompletedAt = &at
	}
	j.Version = u.ExpectedVersion + 1
	j.UpdatedAt = u.At
}

func (u JobUpdate) UpdateColumns() map[string]interface{} {
	c := u.Changes
	cols := map[string]interface{}{
		"status":     u.To,
		"version":    u.ExpectedVersion + 1,
		"updated_at": u.At,
	}
	putIf(cols, "extraction_id", c.ExtractionId)
	putIf(cols, "proposal_id", c.ProposalId)
	putIf(cols, "approval_id", c.ApprovalId)
	putIf(cols, "ledger_entry_id", c.LedgerEntryId)
	putIf(cols, "policy_decision", c.PolicyDecision)
	putIf(cols, "policy_reason", c.PolicyReason)
	putIf(cols, "duplicate_of_document_id", c.DuplicateOfDocumentId)
	putIf(cols, "error", c.Error)
	putIf(cols, "failed_stage", c.FailedStage)
	if u.releasesActive() {
		cols["active_key"] = nil
	}
	if u.To.IsTerminal() {
		cols["completed_at"] = u.At
	}
	return cols
}

func setIf(dst **string, v *string) {
	if v != nil {
		s := *v
		*dst = &s
	}
}

func putIf(cols map[string]interface{}, key string, v *string) {
	if v != nil {
		cols[key] = *v
	}
}
