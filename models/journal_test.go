package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, "12.34", MinorToDecimal(1234, 2).String())
	assert.Equal(t, "1234", MinorToDecimal(1234, 0).String())

	n, err := DecimalToMinor(decimal.RequireFromString("12.34"), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)

	n, err = DecimalToMinor(decimal.RequireFromString("-0.5"), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), n)

	_, err = DecimalToMinor(decimal.RequireFromString("1.005"), 2)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = DecimalToMinor(decimal.New(1, 20), 2)
	assert.ErrorContains(t, err, "out of range")
}

func TestJournalFromProposal(t *testing.T) {
	cash, expense := 1, 7
	doc := &Document{ID: "doc-1"}
	p := &Proposal{
		ID:         "prop-1",
		Currency:   "USD",
		Rationale:  "office supplies",
		TotalDebit: 2500,
		Entries: []ProposalEntry{
			{LineNo: 1, Account: "Office Supplies", LedgerAccountId: &expense, Debit: 2500},
			{LineNo: 2, Account: "Cash", LedgerAccountId: &cash, Credit: 2500},
		},
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	j, err := JournalFromProposal("JE-1", "appr-1", doc, p, 2, "alice", at)
	require.NoError(t, err)
	assert.Equal(t, "appr-1", j.ApprovalId)
	assert.Equal(t, "25", j.JournalTotalAmount.String())
	require.Len(t, j.Transactions, 2)
	assert.Equal(t, expense, j.Transactions[0].AccountId)
	assert.True(t, j.Transactions[1].Credit.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "alice", j.PostedBy)

	p.Entries[1].LedgerAccountId = nil
	_, err = JournalFromProposal("JE-2", "appr-1", doc, p, 2, "alice", at)
	assert.Equal(t, KindStageFailure, KindOf(err))
	assert.ErrorContains(t, err, "Cash")
}

func TestErrorTaxonomy(t *testing.T) {
	err := NotFound("GetJob", "job", "j1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "GetJob: job j1 not found", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Empty(t, KindOf(errors.New("plain")))

	assert.Nil(t, StageError("Extract", StageExtract, nil))
	timeout := StageError("Extract", StageExtract, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, KindOf(timeout))
	assert.True(t, Retryable(timeout))
	failure := StageError("Extract", StageExtract, errors.New("model unavailable"))
	assert.Equal(t, KindStageFailure, KindOf(failure))
	assert.ErrorContains(t, failure, "model unavailable")

	typed := NewError(KindNotBalanced, "Propose", "debits 10 != credits 9")
	assert.Same(t, typed, StageError("Propose", StagePropose, typed))
	assert.False(t, Retryable(typed))
}

func TestApprovalCursor(t *testing.T) {
	c, err := DecodeApprovalCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = DecodeApprovalCursor("not base64!")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	at := time.Date(2026, 5, 2, 10, 0, 0, 123, time.UTC)
	c, err = DecodeApprovalCursor(EncodeApprovalCursor(ApprovalCursor{CreatedAt: at, ID: "b"}))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(at))

	assert.True(t, c.Includes(&Approval{ID: "a", CreatedAt: at}))
	assert.True(t, c.Includes(&Approval{ID: "b", CreatedAt: at}))
	assert.False(t, c.Includes(&Approval{ID: "c", CreatedAt: at}))
	assert.True(t, c.Includes(&Approval{ID: "z", CreatedAt: at.Add(-time.Second)}))
	assert.False(t, c.Includes(&Approval{ID: "a", CreatedAt: at.Add(time.Nanosecond)}))
}
