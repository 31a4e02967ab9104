package workflow

import (
	"context"
	"errors"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// JobQueue hands job messages to workers. Delivery is at-least-once.
type JobQueue interface {
	Enqueue(ctx context.Context, msg config.JobMessage) error
}

type JobHandler func(ctx context.Context, msg config.JobMessage) error

var ErrQueueFull = errors.New("job queue is full")

// LocalQueue runs jobs on a bounded in-process worker pool.
type LocalQueue struct {
	ch      chan config.JobMessage
	workers int
	logger  *logrus.Logger
}

func NewLocalQueue(workers int, buffer int, logger *logrus.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalQueue{
		ch:      make(chan config.JobMessage, buffer),
		workers: workers,
		logger:  logger,
	}
}

// Enqueue never blocks; a full buffer is left to the sweeper.
func (q *LocalQueue) Enqueue(ctx context.Context, msg config.JobMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run consumes messages until ctx is done, then waits for in-flight jobs.
func (q *LocalQueue) Run(ctx context.Context, handle JobHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case msg := <-q.ch:
			g.Go(func() error {
				if err := handle(gctx, msg); err != nil && q.logger != nil {
					q.logger.WithError(err).WithField("job_id", msg.JobId).Warn("job handler failed")
				}
				return nil
			})
		}
	}
}

// PubSubQueue publishes job messages to the configured topic; the push subscription
// delivers them back to the /pubsub/jobs endpoint.
type PubSubQueue struct {
	Publish func(ctx context.Context, msg config.JobMessage) (string, error)
	Logger  *logrus.Logger
}

func NewPubSubQueue(logger *logrus.Logger) *PubSubQueue {
	return &PubSubQueue{Publish: config.PublishJob, Logger: logger}
}

func (q *PubSubQueue) Enqueue(ctx context.Context, msg config.JobMessage) error {
	id, err := q.Publish(ctx, msg)
	if err != nil {
		return err
	}
	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{"job_id": msg.JobId, "message_id": id}).Debug("job published")
	}
	return nil
}
