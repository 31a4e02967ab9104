package models

import (
	"time"

	"gorm.io/datatypes"
)

// Extraction is one immutable extraction snapshot. Re-extracting inserts a new row.
type Extraction struct {
	ID         string            `gorm:"primaryKey;size:36" json:"id"`
	DocumentId string            `gorm:"size:36;not null;index" json:"document_id"`
	Fields     datatypes.JSONMap `gorm:"type:json" json:"fields"`
	Confidence *float64          `json:"confidence"`
	Model      string            `gorm:"size:100" json:"model"`
	CreatedBy  string            `gorm:"size:255" json:"created_by"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

// ExtractionResult is what an extractor returns.
type ExtractionResult struct {
	Fields     map[string]any
	Confidence *float64
	Model      string
}

// ProposalDraft is what a reasoner returns; NewProposal validates it.
type ProposalDraft struct {
	Entries      []ProposalLine `json:"entries"`
	AiConfidence float64        `json:"ai_confidence"`
	Currency     string         `json:"currency"`
	Rationale    string         `json:"rationale"`
	Model        string         `json:"-"`
}

type ProposalLine struct {
	Account     string `json:"account"`
	Debit       int64  `json:"debit"`
	Credit      int64  `json:"credit"`
	Description string `json:"description"`
}

// PolicyDecision is the policy evaluator's verdict for a proposal.
type PolicyDecision struct {
	AutoApprove bool   `json:"auto_approve"`
	Rule        string `json:"rule,omitempty"`
	Reason      string `json:"reason"`
}

func (d PolicyDecision) Label() string {
	if d.AutoApprove {
		return PolicyDecisionAutoApprove
	}
	return PolicyDecisionNeedsApproval
}

// ReconcileResult reports a prior posted document the proposal duplicates, if any.
type ReconcileResult struct {
	DuplicateOfDocumentId *string `json:"duplicate_of_document_id"`
	Reason                string  `json:"reason,omitempty"`
}

// LedgerPostRequest is handed to the ledger poster. ApprovalId is the idempotency key.
type LedgerPostRequest struct {
	ApprovalId string
	Document   *Document
	Proposal   *Proposal
	Actor      string
}
