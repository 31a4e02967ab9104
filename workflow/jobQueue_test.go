package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueueRunsJobs(t *testing.T) {
	q := workflow.NewLocalQueue(2, 4, quietLogger())
	h := workflowtest.NewHarness(workflow.WithQueue(q))
	autoApprove(h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, h.Engine.HandleJobMessage) }()

	doc := newDocument(t, h)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.Engine.GetJob(ctx, job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLocalQueueFull(t *testing.T) {
	q := workflow.NewLocalQueue(1, 1, quietLogger())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, config.JobMessage{JobId: "a"}))
	err := q.Enqueue(ctx, config.JobMessage{JobId: "b"})
	assert.ErrorIs(t, err, workflow.ErrQueueFull)
}

func TestLocalQueueBoundsWorkers(t *testing.T) {
	q := workflow.NewLocalQueue(2, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var running, peak, handled atomic.Int32
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(ctx context.Context, msg config.JobMessage) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			handled.Add(1)
			return errors.New("ignored")
		})
	}()
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(ctx, config.JobMessage{JobId: "job"}))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 6 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), peak.Load())
}

func TestPubSubQueuePublishes(t *testing.T) {
	var got []config.JobMessage
	q := &workflow.PubSubQueue{
		Publish: func(ctx context.Context, msg config.JobMessage) (string, error) {
			got = append(got, msg)
			return "msg-1", nil
		},
		Logger: quietLogger(),
	}
	require.NoError(t, q.Enqueue(context.Background(), config.JobMessage{JobId: "job-1"}))
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].JobId)

	q.Publish = func(ctx context.Context, msg config.JobMessage) (string, error) {
		return "", errors.New("topic not found")
	}
	assert.Error(t, q.Enqueue(context.Background(), config.JobMessage{JobId: "job-2"}))
}

func TestKeyedLockerSerializes(t *testing.T) {
	l := workflow.NewKeyedLocker(nil, 0, nil)
	ctx := context.Background()

	var inside, overlap atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "doc-1")
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, overlap.Load())
}

func TestKeyedLockerHonoursContext(t *testing.T) {
	l := workflow.NewKeyedLocker(nil, 0, nil)
	unlock, err := l.Lock(context.Background(), "doc-1")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "doc-2")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "doc-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := l.Lock(context.Background(), "doc-1")
	require.NoError(t, err)
	again()
}
