package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccount is the chart of accounts proposals are mapped against.
type LedgerAccount struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Code      string          `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Name      string          `gorm:"size:255;not null;index" json:"name"`
	MainType  AccountMainType `gorm:"size:20;not null" json:"main_type"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

// Journal is a posted ledger entry. ApprovalId is unique: one journal per approval.
type Journal struct {
	ID                 int                  `gorm:"primary_key" json:"id"`
	JournalNumber      string               `gorm:"size:64;not null;uniqueIndex" json:"journal_number"`
	ApprovalId         string               `gorm:"size:36;not null;uniqueIndex" json:"approval_id"`
	DocumentId         string               `gorm:"size:36;not null;index" json:"document_id"`
	ProposalId         string               `gorm:"size:36;not null" json:"proposal_id"`
	JournalDate        time.Time            `gorm:"not null" json:"journal_date"`
	JournalNotes       string               `gorm:"type:text" json:"journal_notes"`
	Currency           string               `gorm:"size:3" json:"currency"`
	JournalTotalAmount decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"journal_total_amount"`
	Transactions       []JournalTransaction `gorm:"foreignKey:JournalId" json:"transactions"`
	PostedBy           string               `gorm:"size:255" json:"posted_by"`
	CreatedAt          time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type JournalTransaction struct {
	ID          int             `gorm:"primary_key" json:"id"`
	JournalId   int             `gorm:"index;not null" json:"journal_id"`
	AccountId   int             `gorm:"index;not null" json:"account_id"`
	Description string          `gorm:"size:255" json:"description"`
	Debit       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

// MinorToDecimal converts integral minor units to a major-unit decimal, e.g. 1234 at exp 2 -> 12.34.
func MinorToDecimal(amount int64, exp int32) decimal.Decimal {
	return decimal.New(amount, -exp)
}

// DecimalToMinor converts a major-unit amount to minor units.
// Amounts with more precision than exp are rejected rather than rounded.
func DecimalToMinor(d decimal.Decimal, exp int32) (int64, error) {
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, NewError(KindInvalidInput, "DecimalToMinor", "amount %s has more than %d decimal places", d.String(), exp)
	}
	if scaled.GreaterThan(decimal.NewFromInt(maxMinorUnits)) || scaled.LessThan(decimal.NewFromInt(-maxMinorUnits)) {
		return 0, NewError(KindInvalidInput, "DecimalToMinor", "amount %s out of range", d.String())
	}
	return scaled.IntPart(), nil
}

// maxMinorUnits keeps sums of many lines inside int64.
const maxMinorUnits = int64(1) << 53

// JournalFromProposal builds the journal for an approved proposal. Every entry must be mapped.
func JournalFromProposal(number string, approvalID string, doc *Document, p *Proposal, exp int32, actor string, at time.Time) (*Journal, error) {
	j := &Journal{
		JournalNumber:      number,
		ApprovalId:         approvalID,
		DocumentId:         doc.ID,
		ProposalId:         p.ID,
		JournalDate:        at,
		JournalNotes:       p.Rationale,
		Currency:           p.Currency,
		JournalTotalAmount: MinorToDecimal(p.TotalDebit, exp),
		PostedBy:           actor,
	}
	for _, e := range p.Entries {
		if e.LedgerAccountId == nil {
			return nil, NewError(KindStageFailure, "JournalFromProposal", "entry %d (%s) is not mapped to a ledger account", e.LineNo, e.Account)
		}
		j.Transactions = append(j.Transactions, JournalTransaction{
			AccountId:   *e.LedgerAccountId,
			Description: e.Description,
			Debit:       MinorToDecimal(e.Debit, exp),
			Credit:      MinorToDecimal(e.Credit, exp),
		})
	}
	return j, nil
}
