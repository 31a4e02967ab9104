package models

import (
	"math"
	"strings"
	"time"
)

// Proposal is a candidate journal entry set for a document. Rows are never updated
// after creation except for the account mapping written before submission.
type Proposal struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	DocumentId   string          `gorm:"size:36;not null;index" json:"document_id"`
	ExtractionId *string         `gorm:"size:36" json:"extraction_id"`
	Entries      []ProposalEntry `gorm:"foreignKey:ProposalId" json:"entries"`
	TotalDebit   int64           `gorm:"not null" json:"total_debit"`
	TotalCredit  int64           `gorm:"not null" json:"total_credit"`
	IsBalanced   bool            `gorm:"not null" json:"is_balanced"`
	AiConfidence float64         `gorm:"not null" json:"ai_confidence"`
	Currency     string          `gorm:"size:3" json:"currency"`
	Rationale    string          `gorm:"type:text" json:"rationale"`
	Model        string          `gorm:"size:100" json:"model"`
	CreatedBy    string          `gorm:"size:255" json:"created_by"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
}

// ProposalEntry amounts are integral minor currency units.
type ProposalEntry struct {
	ID              int    `gorm:"primary_key" json:"id"`
	ProposalId      string `gorm:"size:36;not null;index" json:"proposal_id"`
	LineNo          int    `gorm:"not null" json:"line_no"`
	Account         string `gorm:"size:255;not null" json:"account"`
	LedgerAccountId *int   `json:"ledger_account_id"`
	Debit           int64  `gorm:"not null;default:0" json:"debit"`
	Credit          int64  `gorm:"not null;default:0" json:"credit"`
	Description     string `gorm:"size:255" json:"description"`
}

// Balanced is exact equality; amounts are integers so there is no tolerance.
func (p *Proposal) Balanced() bool {
	return p != nil && p.TotalDebit == p.TotalCredit
}

// Mapped reports whether every entry has a ledger account.
func (p *Proposal) Mapped() bool {
	for _, e := range p.Entries {
		if e.LedgerAccountId == nil {
			return false
		}
	}
	return true
}

// NewProposal validates a draft and computes totals.
func NewProposal(id string, doc *Document, draft *ProposalDraft, actor string, now time.Time) (*Proposal, error) {
	const op = "NewProposal"
	if draft == nil || len(draft.Entries) == 0 {
		return nil, NewError(KindInvalidInput, op, "proposal has no entries")
	}
	if math.IsNaN(draft.AiConfidence) || draft.AiConfidence < 0 || draft.AiConfidence > 1 {
		return nil, NewError(KindInvalidInput, op, "ai_confidence %v outside [0,1]", draft.AiConfidence)
	}

	p := &Proposal{
		ID:           id,
		DocumentId:   doc.ID,
		ExtractionId: doc.ExtractionId,
		AiConfidence: draft.AiConfidence,
		Currency:     strings.ToUpper(strings.TrimSpace(draft.Currency)),
		Rationale:    draft.Rationale,
		Model:        draft.Model,
		CreatedBy:    actor,
		CreatedAt:    now,
	}
	for i, line := range draft.Entries {
		account := strings.TrimSpace(line.Account)
		if account == "" {
			return nil, NewError(KindInvalidInput, op, "entry %d has no account", i+1)
		}
		if line.Debit < 0 || line.Credit < 0 {
			return nil, NewError(KindInvalidInput, op, "entry %d has a negative amount", i+1)
		}
		if (line.Debit == 0) == (line.Credit == 0) {
			return nil, NewError(KindInvalidInput, op, "entry %d must carry exactly one of debit or credit", i+1)
		}
		if p.TotalDebit > math.MaxInt64-line.Debit || p.TotalCredit > math.MaxInt64-line.Credit {
			return nil, NewError(KindInvalidInput, op, "entry %d overflows the proposal total", i+1)
		}
		p.TotalDebit += line.Debit
		p.TotalCredit += line.Credit
		p.Entries = append(p.Entries, ProposalEntry{
			ProposalId:  id,
			LineNo:      i + 1,
			Account:     account,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: strings.TrimSpace(line.Description),
		})
	}
	p.IsBalanced = p.Balanced()
	return p, nil
}

// ProposalMapping maps entry LineNo to a LedgerAccount id.
type ProposalMapping map[int]int
