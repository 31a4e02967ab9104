package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentTransitions(t *testing.T) {
	tests := []struct {
		from, to DocumentStatus
		ok       bool
	}{
		{DocumentStatusNew, DocumentStatusExtracting, true},
		{DocumentStatusExtracting, DocumentStatusNew, true},
		{DocumentStatusExtracted, DocumentStatusExtracting, true},
		{DocumentStatusProposing, DocumentStatusRejected, true},
		{DocumentStatusRejected, DocumentStatusProposing, true},
		{DocumentStatusPendingApproval, DocumentStatusApproved, true},
		{DocumentStatusApproved, DocumentStatusPosted, true},
		{DocumentStatusNew, DocumentStatusProposing, false},
		{DocumentStatusPendingApproval, DocumentStatusPosted, false},
		{DocumentStatusPosted, DocumentStatusNew, false},
		{DocumentStatusApproved, DocumentStatusRejected, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	for _, s := range AllDocumentStatuses() {
		assert.True(t, s.IsValid(), s)
		for _, next := range s.Next() {
			assert.True(t, next.IsValid(), "%s -> %s", s, next)
		}
	}
	assert.Empty(t, DocumentStatusPosted.Next())
}

func TestParseDocumentStatusAlias(t *testing.T) {
	st, err := ParseDocumentStatus(" Processed ")
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusExtracted, st)

	_, err = ParseDocumentStatus("archived")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	var got DocumentStatus
	require.NoError(t, json.Unmarshal([]byte(`"processed"`), &got))
	assert.Equal(t, DocumentStatusExtracted, got)

	require.NoError(t, got.Scan([]byte("pending_approval")))
	assert.Equal(t, DocumentStatusPendingApproval, got)
	assert.Error(t, got.Scan(42))
}

func TestDocumentStatusPredicates(t *testing.T) {
	assert.True(t, DocumentStatusNew.CanExtract())
	assert.True(t, DocumentStatusExtracted.CanExtract())
	assert.False(t, DocumentStatusProposed.CanExtract())

	assert.True(t, DocumentStatusRejected.CanPropose())
	assert.True(t, DocumentStatusProposed.CanPropose())
	assert.False(t, DocumentStatusPendingApproval.CanPropose())

	assert.True(t, DocumentStatusProposing.IsInProgress())
	assert.True(t, DocumentStatusPosted.IsTerminal())
	assert.False(t, DocumentStatusApproved.IsTerminal())
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, JobStatusDeciding.CanTransitionTo(JobStatusAutoApproved))
	assert.True(t, JobStatusQueued.CanTransitionTo(JobStatusPostingToLedger))
	assert.True(t, JobStatusMapping.CanTransitionTo(JobStatusFailed))
	assert.False(t, JobStatusCompleted.CanTransitionTo(JobStatusFailed))
	assert.False(t, JobStatusFailed.CanTransitionTo(JobStatusQueued))
	assert.False(t, JobStatusExtracting.CanTransitionTo(JobStatusProposing))

	assert.True(t, JobStatusNeedsApproval.StopsPolling())
	assert.False(t, JobStatusNeedsApproval.IsTerminal())
	assert.False(t, JobStatusReconciling.StopsPolling())
}

func TestJobStepAndStage(t *testing.T) {
	step, total := JobStatusQueued.Step()
	assert.Equal(t, 1, step)
	assert.Equal(t, total, len(jobSequence))

	need, _ := JobStatusNeedsApproval.Step()
	auto, _ := JobStatusAutoApproved.Step()
	assert.Equal(t, need, auto)

	done, _ := JobStatusCompleted.Step()
	assert.Equal(t, total, done)
	failed, _ := JobStatusFailed.Step()
	assert.Zero(t, failed)

	assert.Equal(t, StageExtract, JobStatusExtracted.Stage())
	assert.Equal(t, StagePolicy, JobStatusValidating.Stage())
	assert.Equal(t, StageLedgerPost, JobStatusPostingToLedger.Stage())
	assert.Empty(t, JobStatusFailed.Stage())

	_, err := ParseJobStatus("paused")
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestDocumentTransitionValidate(t *testing.T) {
	msg := "boom"
	tests := []struct {
		name string
		tr   DocumentTransition
		ok   bool
	}{
		{"legal edge", DocumentTransition{From: DocumentStatusNew, To: DocumentStatusExtracting}, true},
		{"illegal edge", DocumentTransition{From: DocumentStatusNew, To: DocumentStatusPosted}, false},
		{"plain self edge", DocumentTransition{From: DocumentStatusExtracted, To: DocumentStatusExtracted}, false},
		{"failure record in place", DocumentTransition{
			From: DocumentStatusExtracted, To: DocumentStatusExtracted,
			Changes: DocumentChanges{LastError: &msg},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, KindInvalidState, KindOf(err))
		})
	}
}
