package config

import (
	"os"
	"strings"
	"time"
)

// PipelineSettings are the env-driven knobs of the lifecycle engine.
type PipelineSettings struct {
	// Bound for a single extract/propose/validate/map/reconcile/decide call.
	StageTimeout time.Duration
	// Bound for one ledger post call.
	LedgerPostTimeout time.Duration
	// Recommended client poll cadence, also the status cache TTL.
	PollInterval time.Duration
	PollMaxWait  time.Duration
	JobWorkers   int
	// A non-terminal job not updated for this long is re-enqueued by the sweeper.
	JobStaleAfter time.Duration
	SweepInterval time.Duration
	JobQueue      string
	PolicyFile    string
	CurrencyCode  string
	CurrencyExp   int32
}

const (
	JobQueueLocal  = "local"
	JobQueuePubSub = "pubsub"
)

// LoadPipelineSettings reads:
// - STAGE_TIMEOUT_SECONDS (default 120)
// - LEDGER_POST_TIMEOUT_SECONDS (default 30)
// - POLL_INTERVAL_MS (default 1000)
// - POLL_MAX_WAIT_SECONDS (default 45)
// - JOB_WORKERS (default 4)
// - JOB_STALE_AFTER_SECONDS (default 300)
// - JOB_SWEEP_INTERVAL_SECONDS (default 30)
// - JOB_QUEUE (local|pubsub, default local)
// - POLICY_FILE (optional YAML)
// - LEDGER_CURRENCY (default USD), LEDGER_CURRENCY_EXPONENT (default 2)
func LoadPipelineSettings() PipelineSettings {
	s := PipelineSettings{
		StageTimeout:      time.Duration(intFromEnv("STAGE_TIMEOUT_SECONDS", 120)) * time.Second,
		LedgerPostTimeout: time.Duration(intFromEnv("LEDGER_POST_TIMEOUT_SECONDS", 30)) * time.Second,
		PollInterval:      time.Duration(intFromEnv("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		PollMaxWait:       time.Duration(intFromEnv("POLL_MAX_WAIT_SECONDS", 45)) * time.Second,
		JobWorkers:        intFromEnv("JOB_WORKERS", 4),
		JobStaleAfter:     time.Duration(intFromEnv("JOB_STALE_AFTER_SECONDS", 300)) * time.Second,
		SweepInterval:     time.Duration(intFromEnv("JOB_SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		JobQueue:          strings.ToLower(stringFromEnv("JOB_QUEUE", JobQueueLocal)),
		PolicyFile:        strings.TrimSpace(os.Getenv("POLICY_FILE")),
		CurrencyCode:      strings.ToUpper(stringFromEnv("LEDGER_CURRENCY", "USD")),
		CurrencyExp:       int32(intFromEnv("LEDGER_CURRENCY_EXPONENT", 2)),
	}
	if s.JobWorkers <= 0 {
		s.JobWorkers = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.CurrencyExp < 0 {
		s.CurrencyExp = 2
	}
	return s
}

// AuthRequired makes the bearer token mandatory on write endpoints.
//
// Set via env:
// - AUTH_REQUIRED=true
func AuthRequired() bool {
	return boolFromEnv("AUTH_REQUIRED", false)
}

// IntegrationTestsEnabled gates tests that need a live MySQL/Redis.
func IntegrationTestsEnabled() bool {
	return boolFromEnv("INTEGRATION_TESTS", false)
}
