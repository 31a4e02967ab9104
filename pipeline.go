package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/stages"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

// pipeline is everything main wires around the engine.
type pipeline struct {
	Engine  *workflow.Engine
	Objects *utils.GCSObjectStore
	Local   *workflow.LocalQueue
	Sweeper *workflow.JobSweeper
	Logger  *logrus.Logger

	closers []func() error
}

func buildPipeline(ctx context.Context, db *gorm.DB, settings config.PipelineSettings, logger *logrus.Logger) (*pipeline, error) {
	p := &pipeline{Logger: logger}

	objects, err := utils.NewGCSObjectStore(ctx)
	switch {
	case errors.Is(err, utils.ErrorStorageNotConfigured):
		logger.WithFields(logrus.Fields{"field": "storage"}).Warn("GCS_BUCKET not set; uploads disabled")
	case err != nil:
		logger.WithFields(logrus.Fields{"field": "storage"}).Warn("object store unavailable; uploads disabled: " + err.Error())
	default:
		p.Objects = objects
		p.closers = append(p.closers, objects.Close)
	}

	policy, err := stages.LoadRulePolicy(settings.PolicyFile, settings.CurrencyExp)
	if err != nil {
		return nil, err
	}

	repo := models.NewRepository(db)
	accounts := &stages.GormAccountLister{DB: db}
	st := workflow.Stages{
		Policy:     policy,
		Mapper:     &stages.AccountMapper{Accounts: accounts},
		Reconciler: stages.NewDuplicateReconciler(repo, duplicateFields()...),
		Ledger:     &stages.GormLedgerPoster{DB: db, CurrencyExp: settings.CurrencyExp, Logger: logger},
	}

	vertex, err := stages.NewVertexModels(ctx, config.LoadVertexSettings())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "vertex"}).Warn("generative stages unavailable: " + err.Error())
		st.Extractor = stages.Unavailable{Name: "extractor", Cause: err}
		st.Reasoner = stages.Unavailable{Name: "reasoner", Cause: err}
	} else {
		p.closers = append(p.closers, vertex.Close)
		x := &stages.VertexExtractor{Model: vertex.Extractor, ModelName: vertex.ModelName, Logger: logger}
		if p.Objects != nil {
			x.Objects = p.Objects
		}
		st.Extractor = x
		st.Reasoner = &stages.VertexReasoner{
			Model:        vertex.Reasoner,
			ModelName:    vertex.ModelName,
			Accounts:     accounts,
			CurrencyCode: settings.CurrencyCode,
			CurrencyExp:  settings.CurrencyExp,
		}
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithTracer(otel.Tracer("docflow/workflow")),
		workflow.WithLocker(workflow.NewKeyedLocker(config.GetRedisLock(), 0, logger)),
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		opts = append(opts, workflow.WithCache(workflow.NewRedisStatusCache(rdb)))
	}

	switch settings.JobQueue {
	case config.JobQueuePubSub:
		if err := ensureJobTopic(ctx, logger); err != nil {
			return nil, err
		}
		opts = append(opts, workflow.WithQueue(workflow.NewPubSubQueue(logger)))
	case config.JobQueueLocal, "":
		p.Local = workflow.NewLocalQueue(settings.JobWorkers, 0, logger)
		opts = append(opts, workflow.WithQueue(p.Local))
	default:
		return nil, fmt.Errorf("unknown JOB_QUEUE %q", settings.JobQueue)
	}

	p.Engine = workflow.NewEngine(repo, st, workflow.SettingsFromConfig(settings), opts...)
	p.Sweeper = workflow.NewJobSweeper(p.Engine, logger, settings)
	return p, nil
}

// Start runs the local workers and the stale job sweeper until ctx is done.
func (p *pipeline) Start(ctx context.Context, wg *sync.WaitGroup) {
	if p.Local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Local.Run(ctx, p.Engine.HandleJobMessage)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Sweeper.Run(ctx)
	}()
}

func (p *pipeline) Close() {
	for _, c := range p.closers {
		if err := c(); err != nil {
			p.Logger.WithError(err).Warn("close failed")
		}
	}
}

// duplicateFields reads RECONCILE_DUPLICATE_FIELDS (comma-separated, default invoice_number).
func duplicateFields() []string {
	return utils.SplitAndTrim(os.Getenv("RECONCILE_DUPLICATE_FIELDS"))
}

// ensureJobTopic creates PUBSUB_TOPIC and, when PUBSUB_PUSH_ENDPOINT is set, the push
// subscription that delivers jobs back to /pubsub/jobs.
func ensureJobTopic(ctx context.Context, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.LoadPubSubSettings().Topic)
	if err != nil {
		return err
	}
	endpoint := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_ENDPOINT"))
	subName := strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION"))
	if endpoint == "" || subName == "" {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Info("no push subscription configured; expecting one to exist")
		return nil
	}
	_, err = config.CreateSubscriptionIfNotExists(ctx, client, subName, topic, endpoint)
	return err
}
