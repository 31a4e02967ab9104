package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	view workflow.StatusView
	err  error
}

func scripted(steps ...step) (FetchFunc, *int) {
	calls := 0
	return func(ctx context.Context) (workflow.StatusView, error) {
		i := calls
		calls++
		if i >= len(steps) {
			i = len(steps) - 1
		}
		return steps[i].view, steps[i].err
	}, &calls
}

func running(version int64) workflow.StatusView {
	return workflow.StatusView{ID: "job-1", Status: "extracting", Version: version, KeepPolling: true}
}

func done(version int64) workflow.StatusView {
	return workflow.StatusView{ID: "job-1", Status: "completed", Version: version, Terminal: true}
}

var fast = Policy{Interval: time.Millisecond, MaxWait: time.Second, MaxConsecutiveErrors: 3}

func TestWaitReachesTerminal(t *testing.T) {
	fetch, calls := scripted(step{view: running(1)}, step{view: running(2)}, step{view: done(3)})
	res, err := NewWaiter(fast, nil).Wait(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, "completed", res.View.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, *calls)
}

func TestWaitRetriesTransientErrors(t *testing.T) {
	fetch, _ := scripted(
		step{err: &HTTPError{Status: http.StatusServiceUnavailable}},
		step{err: errors.New("connection reset")},
		step{view: done(4)},
	)
	res, err := NewWaiter(fast, nil).Wait(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
}

func TestWaitGivesUpAfterConsecutiveErrors(t *testing.T) {
	boom := &HTTPError{Status: http.StatusBadGateway}
	fetch, calls := scripted(step{view: running(1)}, step{err: boom}, step{err: boom}, step{err: boom})
	_, err := NewWaiter(fast, nil).Wait(context.Background(), fetch)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, *calls)
}

func TestWaitStopsOnPermanentError(t *testing.T) {
	fetch, calls := scripted(step{err: &HTTPError{Status: http.StatusNotFound, Code: "NotFound"}})
	_, err := NewWaiter(fast, nil).Wait(context.Background(), fetch)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "NotFound", he.Code)
	assert.Equal(t, 1, *calls)
}

func TestWaitIgnoresStaleViews(t *testing.T) {
	stale := done(1)
	fetch, _ := scripted(step{view: running(5)}, step{view: stale}, step{view: running(6)}, step{view: done(7)})
	res, err := NewWaiter(fast, nil).Wait(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.View.Version, "a lower version must not end the wait")
	assert.Equal(t, 4, res.Attempts)
}

func TestWaitStillProcessingAfterMaxWait(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWaiter(Policy{Interval: time.Millisecond, MaxWait: 10 * time.Second}, nil)
	w.now = func() time.Time { return now }
	fetch := func(ctx context.Context) (workflow.StatusView, error) {
		now = now.Add(4 * time.Second)
		return running(1), nil
	}
	res, err := w.Wait(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillProcessing, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.View.KeepPolling)
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(context.Context) (workflow.StatusView, error) {
		cancel()
		return running(1), nil
	}
	_, err := NewWaiter(Policy{Interval: time.Hour, MaxWait: 2 * time.Hour}, nil).Wait(ctx, fetch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: refused")))
	assert.True(t, IsTransient(&HTTPError{Status: http.StatusTooManyRequests}))
	assert.True(t, IsTransient(&HTTPError{Status: http.StatusInternalServerError}))
	assert.False(t, IsTransient(&HTTPError{Status: http.StatusConflict}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestClientWaitsForJobOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := workflowtest.NewHarness()
	r := gin.New()
	handlers.New(h.Engine, nil, nil).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	doc, err := h.Engine.CreateDocument(ctx, models.NewDocument{FileName: "a.pdf", SourceUri: "gs://b/a.pdf"})
	require.NoError(t, err)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)

	c := NewClient(srv.URL)
	v, err := c.FetchJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, v.KeepPolling)

	go func() { _, _ = h.Engine.RunJob(context.Background(), job.ID) }()

	res, err := c.WaitForJob(ctx, job.ID, NewWaiter(Policy{Interval: 5 * time.Millisecond, MaxWait: 5 * time.Second}, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, string(models.JobStatusNeedsApproval), res.View.Status)
	assert.False(t, res.View.Terminal)

	_, err = c.FetchJobStatus(ctx, "missing")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Status)
	assert.Equal(t, "NotFound", he.Code)
}
