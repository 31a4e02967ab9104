package workflow_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu   sync.Mutex
	msgs []config.JobMessage
}

func (q *recordingQueue) Enqueue(ctx context.Context, msg config.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *recordingQueue) Messages() []config.JobMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]config.JobMessage(nil), q.msgs...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func autoApprove(h *workflowtest.Harness) {
	h.Policy.Decision = models.PolicyDecision{AutoApprove: true, Rule: "small_invoice", Reason: "total under auto-approval limit"}
}

func TestJobAutoApprovedPath(t *testing.T) {
	h := workflowtest.NewHarness()
	autoApprove(h)
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ExtractionId)
	require.NotNil(t, job.ProposalId)
	require.NotNil(t, job.ApprovalId)
	require.NotNil(t, job.LedgerEntryId)
	require.NotNil(t, job.PolicyDecision)
	assert.Equal(t, models.PolicyDecisionAutoApprove, *job.PolicyDecision)
	assert.Nil(t, job.ActiveKey)
	assert.NotNil(t, job.CompletedAt)

	got, err := h.Engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusPosted, got.Status)
	assert.Equal(t, job.LedgerEntryId, got.LedgerEntryId)

	a, err := h.Engine.GetApproval(ctx, *job.ApprovalId)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, a.Status)

	v, err := h.Engine.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, v.Terminal)
	assert.False(t, v.KeepPolling)
	assert.False(t, v.Failed)
	assert.Equal(t, models.DocumentStatusPosted, v.DocumentStatus)
	assert.Equal(t, v.Progress.Total, v.Progress.Step)

	events, err := h.Engine.ListEvidence(ctx, doc.ID)
	require.NoError(t, err)
	acts := actions(events)
	assert.Equal(t, models.ActionJobQueued, acts[1])
	assert.Equal(t, models.ActionJobCompleted, acts[len(acts)-1])
	for _, ev := range events[1:] {
		require.NotNil(t, ev.JobId, "event %s has no job id", ev.Action)
		assert.Equal(t, job.ID, *ev.JobId)
	}
}

func TestJobWaitsForApproval(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
	require.NotNil(t, job.ApprovalId)

	v, err := h.Engine.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, v.Terminal)
	assert.False(t, v.KeepPolling)
	assert.Equal(t, models.DocumentStatusPendingApproval, v.DocumentStatus)

	_, err = h.Engine.SubmitJob(ctx, doc.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)

	res, err := h.Engine.Approve(ctx, *job.ApprovalId, "alice", "")
	require.NoError(t, err)
	require.NoError(t, res.PostError)
	assert.Equal(t, models.DocumentStatusPosted, res.Document.Status)

	job, err = h.Engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, h.Ledger.Calls())
}

func TestApproveResumesQueuedJob(t *testing.T) {
	q := &recordingQueue{}
	h := workflowtest.NewHarness(workflow.WithQueue(q))
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, q.Messages(), 1)
	require.NoError(t, h.Engine.HandleJobMessage(ctx, q.Messages()[0]))

	job, err = h.Engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusNeedsApproval, job.Status)

	res, err := h.Engine.Approve(ctx, *job.ApprovalId, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusApproved, res.Document.Status)
	msgs := q.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, job.ID, msgs[1].JobId)

	require.NoError(t, h.Engine.HandleJobMessage(ctx, msgs[1]))
	// Redelivery is harmless.
	require.NoError(t, h.Engine.HandleJobMessage(ctx, msgs[1]))

	job, err = h.Engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, h.Ledger.Posted())
}

func TestOneActiveJobPerDocument(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)

	_, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.Engine.SubmitJob(ctx, doc.ID)
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestRejectReleasesWaitingJob(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusNeedsApproval, job.Status)

	_, _, err = h.Engine.Reject(ctx, *job.ApprovalId, "bob", "wrong vendor")
	require.NoError(t, err)

	waiting, err := h.Engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, waiting.Status)
	assert.Nil(t, waiting.ActiveKey)

	next, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	next, err = h.Engine.RunJob(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, next.Status)
	assert.NotEqual(t, *job.ProposalId, *next.ProposalId)
	assert.Equal(t, 1, h.Extractor.Calls())
}

func TestJobFailureAndRetry(t *testing.T) {
	h := workflowtest.NewHarness()
	autoApprove(h)
	ctx := context.Background()
	doc := newDocument(t, h)
	h.Ledger.SetErr(assert.AnError)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.ErrorIs(t, err, models.ErrStageFailure)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailedStage)
	assert.Equal(t, models.StageLedgerPost, *job.FailedStage)
	require.NotNil(t, job.Error)

	v, err := h.Engine.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, v.Terminal)
	assert.True(t, v.Failed)

	got, err := h.Engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusApproved, got.Status)

	_, err = h.Engine.RetryJob(ctx, doc.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	h.Ledger.SetErr(nil)
	retry, err := h.Engine.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Attempt)
	require.NotNil(t, retry.RetryOfJobId)
	assert.Equal(t, job.ID, *retry.RetryOfJobId)

	retry, err = h.Engine.RunJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, retry.Status)
	assert.Equal(t, 1, h.Ledger.Posted())
	assert.Equal(t, 1, h.Extractor.Calls())

	_, err = h.Engine.RetryJob(ctx, retry.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestJobResumesAfterCrash(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	// The worker extracted the document, then died before recording the job step.
	_, err = h.Engine.Extract(ctx, doc.ID, workflow.StageOptions{})
	require.NoError(t, err)
	h.Store.ForceJobStatus(job.ID, models.JobStatusExtracting)

	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
	assert.Equal(t, 1, h.Extractor.Calls())
}

func TestJobLeavesBusyStageAlone(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)
	h.Extractor.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.Engine.Extract(ctx, doc.ID, workflow.StageOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		d, err := h.Store.GetDocument(ctx, doc.ID)
		return err == nil && d.Status == models.DocumentStatusExtracting
	}, time.Second, time.Millisecond)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusExtracting, job.Status)

	close(h.Extractor.Block)
	require.NoError(t, <-done)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
	assert.Equal(t, 1, h.Extractor.Calls())
}

func TestDuplicateForcesReview(t *testing.T) {
	h := workflowtest.NewHarness()
	autoApprove(h)
	dup := "doc-earlier"
	h.Reconciler.DuplicateOf = &dup
	ctx := context.Background()
	doc := newDocument(t, h)

	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
	require.NotNil(t, job.PolicyReason)
	assert.Contains(t, *job.PolicyReason, dup)
}

func TestSubmitJobForPostedDocument(t *testing.T) {
	h := workflowtest.NewHarness()
	autoApprove(h)
	ctx := context.Background()
	doc := newDocument(t, h)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = h.Engine.SubmitJob(ctx, doc.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestSweeperRedrivesStaleJob(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	doc := newDocument(t, h)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)

	sweeper := &workflow.JobSweeper{
		Engine:     h.Engine,
		Logger:     quietLogger(),
		BatchSize:  10,
		StaleAfter: time.Minute,
	}
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.Store.SetJobUpdatedAt(job.ID, h.Clock.Now().Add(-2*time.Minute))
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = h.Engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
}

func TestHandleJobMessageDropsUnknownJob(t *testing.T) {
	h := workflowtest.NewHarness()
	err := h.Engine.HandleJobMessage(context.Background(), config.JobMessage{JobId: "missing"})
	assert.NoError(t, err)
}

// approveBeforeParking lets a reviewer approve between the job opening its approval and the
// job reaching needs_approval.
type approveBeforeParking struct {
	*workflowtest.MemStore
	once    sync.Once
	approve func(approvalID string)
}

func (s *approveBeforeParking) UpdateJob(ctx context.Context, u models.JobUpdate) (*models.Job, error) {
	if u.To == models.JobStatusNeedsApproval && u.Changes.ApprovalId != nil {
		s.once.Do(func() { s.approve(*u.Changes.ApprovalId) })
	}
	return s.MemStore.UpdateJob(ctx, u)
}

func TestApprovalBeforeJobParks(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	store := &approveBeforeParking{MemStore: h.Store}
	engine := h.EngineOn(store)

	var res *workflow.ApproveResult
	var approveErr error
	store.approve = func(approvalID string) {
		res, approveErr = engine.Approve(context.Background(), approvalID, "alice", "")
	}

	doc := newDocument(t, h)
	job, err := engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = engine.RunJob(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, approveErr)
	require.NotNil(t, res)
	require.NoError(t, res.PostError)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Nil(t, job.ActiveKey)
	assert.Equal(t, 1, h.Ledger.Posted())

	v, err := engine.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, v.Terminal)
	assert.Equal(t, models.DocumentStatusPosted, v.DocumentStatus)

	_, err = engine.SubmitJob(ctx, doc.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestRejectionBeforeJobParksReleasesDocument(t *testing.T) {
	h := workflowtest.NewHarness()
	ctx := context.Background()
	store := &approveBeforeParking{MemStore: h.Store}
	engine := h.EngineOn(store)
	var rejectErr error
	store.approve = func(approvalID string) {
		_, _, rejectErr = engine.Reject(context.Background(), approvalID, "bob", "wrong vendor")
	}

	doc := newDocument(t, h)
	job, err := engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, rejectErr)
	assert.Equal(t, models.JobStatusNeedsApproval, job.Status)
	assert.Nil(t, job.ActiveKey)

	_, err = engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
}

type recordingCache struct {
	workflow.NoopStatusCache
	mu    sync.Mutex
	calls [][]string
}

func (c *recordingCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]string(nil), keys...))
	return nil
}

func (c *recordingCache) Calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.calls...)
}

func TestJobRunInvalidatesItsStatusView(t *testing.T) {
	cache := &recordingCache{}
	h := workflowtest.NewHarness(workflow.WithCache(cache))
	autoApprove(h)
	ctx := context.Background()
	doc := newDocument(t, h)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	before := len(cache.Calls())

	_, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)

	calls := cache.Calls()[before:]
	require.NotEmpty(t, calls)
	for _, keys := range calls {
		assert.Contains(t, keys, "status:job:"+job.ID, "invalidated %v", keys)
	}
}
