package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/sirupsen/logrus"
)

// JobSweeper re-drives jobs that stopped making progress, e.g. after a worker crash
// or a lost queue message. Claims use SKIP LOCKED so several sweepers can run.
type JobSweeper struct {
	Engine    *Engine
	Logger    *logrus.Logger
	SweeperID string

	BatchSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

func NewJobSweeper(engine *Engine, logger *logrus.Logger, s config.PipelineSettings) *JobSweeper {
	return &JobSweeper{
		Engine:       engine,
		Logger:       logger,
		SweeperID:    uuid.NewString(),
		BatchSize:    50,
		PollInterval: s.SweepInterval,
		StaleAfter:   s.JobStaleAfter,
	}
}

func (s *JobSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.Logger.WithError(err).WithField("sweeper_id", s.SweeperID).Error("job sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// SweepOnce claims one batch of stale jobs and re-drives each. It returns the number claimed.
func (s *JobSweeper) SweepOnce(ctx context.Context) (int, error) {
	e := s.Engine
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = e.settings.StaleAfter
	}
	now := e.now()
	jobs, err := e.store.ClaimStaleJobs(ctx, now.Add(-staleAfter), s.BatchSize, now)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		job := &jobs[i]
		s.Logger.WithFields(logrus.Fields{
			"sweeper_id": s.SweeperID,
			"job_id":     job.ID,
			"status":     job.Status,
		}).Info("re-driving stale job")
		if err := s.redrive(ctx, job); err != nil {
			s.Logger.WithError(err).WithField("job_id", job.ID).Warn("stale job re-drive failed")
		}
	}
	return len(jobs), nil
}

func (s *JobSweeper) redrive(ctx context.Context, job *models.Job) error {
	e := s.Engine
	if e.queue != nil {
		return e.enqueue(ctx, job)
	}
	_, err := e.RunJob(ctx, job.ID)
	if models.KindOf(err) != "" {
		return nil
	}
	return err
}
