package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Settings struct {
	StageTimeout      time.Duration
	LedgerPostTimeout time.Duration
	PollInterval      time.Duration
	// StaleAfter is how long a stage run or job may go without progress before another worker takes it over.
	StaleAfter time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		StageTimeout:      2 * time.Minute,
		LedgerPostTimeout: 30 * time.Second,
		PollInterval:      time.Second,
		StaleAfter:        5 * time.Minute,
	}
}

func SettingsFromConfig(c config.PipelineSettings) Settings {
	return Settings{
		StageTimeout:      c.StageTimeout,
		LedgerPostTimeout: c.LedgerPostTimeout,
		PollInterval:      c.PollInterval,
		StaleAfter:        c.JobStaleAfter,
	}
}

// Engine drives documents, approvals and jobs through their state machines.
// It is safe for concurrent use.
type Engine struct {
	store    Store
	stages   Stages
	settings Settings
	locker   DocumentLocker
	cache    StatusCache
	queue    JobQueue
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithLocker(l DocumentLocker) Option { return func(e *Engine) { e.locker = l } }
func WithCache(c StatusCache) Option     { return func(e *Engine) { e.cache = c } }

// WithQueue makes job continuations asynchronous. Without a queue the engine runs them inline.
func WithQueue(q JobQueue) Option              { return func(e *Engine) { e.queue = q } }
func WithLogger(l *logrus.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithTracer(t trace.Tracer) Option         { return func(e *Engine) { e.tracer = t } }
func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.now = now } }
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

func NewEngine(store Store, stages Stages, settings Settings, opts ...Option) *Engine {
	def := DefaultSettings()
	if settings.StageTimeout <= 0 {
		settings.StageTimeout = def.StageTimeout
	}
	if settings.LedgerPostTimeout <= 0 {
		settings.LedgerPostTimeout = def.LedgerPostTimeout
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = def.PollInterval
	}
	if settings.StaleAfter <= 0 {
		settings.StaleAfter = def.StaleAfter
	}
	e := &Engine{
		store:    store,
		stages:   stages,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker(nil, 0, e.logger)
	}
	if e.cache == nil {
		e.cache = NoopStatusCache{}
	}
	if e.logger == nil {
		e.logger = config.GetLogger()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("docflow/workflow")
	}
	return e
}

func (e *Engine) Settings() Settings { return e.settings }

func (e *Engine) Store() Store { return e.store }

func (e *Engine) log(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		fields["correlation_id"] = id
	}
	if id, ok := utils.GetJobIdFromContext(ctx); ok && id != "" {
		fields["job_id"] = id
	}
	return e.logger.WithFields(fields)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// evidence builds an event stamped with a fresh id and the engine clock.
// The store may move the timestamp forward to keep the document's log monotonic.
func (e *Engine) evidence(ctx context.Context, docID string, action models.EvidenceAction, actor string, payload models.EvidencePayload) (*models.EvidenceEvent, error) {
	ev, err := models.NewEvidence(e.newID(), docID, action, actor, payload)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = e.now()
	if jobID, ok := utils.GetJobIdFromContext(ctx); ok {
		ev.WithJob(jobID)
	}
	return ev, nil
}

// callStage runs fn under the stage deadline and returns once the deadline passes, even if fn
// ignores its context. A late result is dropped; fn must not publish state except through its
// captured outputs, which are read only when it returns in time.
func (e *Engine) callStage(ctx context.Context, op string, stage string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := e.startSpan(ctx, "stage."+stage, attribute.String("stage", stage))
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s stage panicked: %v", stage, r)
			}
		}()
		done <- fn(stageCtx)
	}()

	var err error
	select {
	case err = <-done:
		if err == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			err = context.DeadlineExceeded
		}
	case <-stageCtx.Done():
		err = stageCtx.Err()
		e.log(ctx).WithField("stage", stage).Warn("stage call abandoned after " + timeout.String())
	}
	err = models.StageError(op, stage, err)
	endSpan(span, err)
	return err
}

// persistContext detaches writes that record a stage outcome from the caller's cancellation.
func persistContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// invalidate drops the document's cached status and that of the given jobs. The job running
// in ctx is included, since its view embeds the document status.
func (e *Engine) invalidate(ctx context.Context, docID string, jobIDs ...string) {
	keys := []string{documentStatusKey(docID)}
	if id, ok := utils.GetJobIdFromContext(ctx); ok && id != "" && !slices.Contains(jobIDs, id) {
		jobIDs = append(jobIDs, id)
	}
	for _, id := range jobIDs {
		if id != "" {
			keys = append(keys, jobStatusKey(id))
		}
	}
	if err := e.cache.Invalidate(ctx, keys...); err != nil {
		e.log(ctx).WithError(err).Warn("status cache invalidate failed")
	}
}

func strPtr(s string) *string {
	return &s
}

func statusPtr(s models.DocumentStatus) *models.DocumentStatus {
	return &s
}
