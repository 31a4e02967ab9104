package config

import (
	"encoding/json"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseDSN(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		s := DatabaseSettings{User: "app", Password: "p@ss", Host: "db.internal", Port: "3307", Name: "docflow"}
		cfg, err := mysqlDriver.ParseDSN(s.DSN())
		require.NoError(t, err)
		assert.Equal(t, "tcp", cfg.Net)
		assert.Equal(t, "db.internal:3307", cfg.Addr)
		assert.Equal(t, "p@ss", cfg.Passwd)
		assert.Equal(t, "docflow", cfg.DBName)
		assert.True(t, cfg.ParseTime)
		assert.Equal(t, time.UTC, cfg.Loc)
	})
	t.Run("cloud sql socket", func(t *testing.T) {
		s := DatabaseSettings{User: "app", Host: "/cloudsql/proj:region:inst", Port: "3306", Name: "docflow"}
		cfg, err := mysqlDriver.ParseDSN(s.DSN())
		require.NoError(t, err)
		assert.Equal(t, "unix", cfg.Net)
		assert.Equal(t, "/cloudsql/proj:region:inst", cfg.Addr)
	})
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, BackoffDelay(1))
	assert.Equal(t, 16*time.Second, BackoffDelay(4))
	assert.Equal(t, 30*time.Second, BackoffDelay(5))
	assert.Equal(t, 30*time.Second, BackoffDelay(40))
}

func TestLoadPipelineSettings(t *testing.T) {
	t.Setenv("JOB_WORKERS", "0")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("JOB_QUEUE", "PubSub")
	t.Setenv("LEDGER_CURRENCY", "eur")
	t.Setenv("LEDGER_CURRENCY_EXPONENT", "-1")
	t.Setenv("STAGE_TIMEOUT_SECONDS", "not-a-number")

	s := LoadPipelineSettings()
	assert.Equal(t, 1, s.JobWorkers)
	assert.Equal(t, 250*time.Millisecond, s.PollInterval)
	assert.Equal(t, JobQueuePubSub, s.JobQueue)
	assert.Equal(t, "EUR", s.CurrencyCode)
	assert.Equal(t, int32(2), s.CurrencyExp)
	assert.Equal(t, 120*time.Second, s.StageTimeout)
}

func TestBoolFromEnv(t *testing.T) {
	t.Setenv("AUTH_REQUIRED", "yes")
	assert.True(t, AuthRequired())
	t.Setenv("AUTH_REQUIRED", "0")
	assert.False(t, AuthRequired())
	t.Setenv("AUTH_REQUIRED", "maybe")
	assert.False(t, AuthRequired())
}

func TestLoadPubSubSettingsProjectFallback(t *testing.T) {
	t.Setenv("PUBSUB_PROJECT_ID", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("GCP_PROJECT", "legacy")
	assert.Equal(t, "legacy", LoadPubSubSettings().ProjectID)

	t.Setenv("GOOGLE_CLOUD_PROJECT", "gcp")
	assert.Equal(t, "gcp", LoadPubSubSettings().ProjectID)
	t.Setenv("VERTEX_PROJECT_ID", "")
	assert.Equal(t, "gcp", LoadVertexSettings().ProjectID)
}

func TestDecodeJobMessage(t *testing.T) {
	var env PubSubPushEnvelope
	_, err := DecodeJobMessage(env)
	assert.ErrorContains(t, err, "empty")

	env.Message.Data = []byte("{")
	_, err = DecodeJobMessage(env)
	assert.ErrorContains(t, err, "decode job message")

	env.Message.Data, _ = json.Marshal(JobMessage{DocumentId: "d1"})
	_, err = DecodeJobMessage(env)
	assert.ErrorContains(t, err, "job_id")

	env.Message.Data, _ = json.Marshal(JobMessage{JobId: "j1", DocumentId: "d1", Attempt: 2})
	msg, err := DecodeJobMessage(env)
	require.NoError(t, err)
	assert.Equal(t, "j1", msg.JobId)
	assert.Equal(t, 2, msg.Attempt)
}

func TestRedisHelpersWithoutClient(t *testing.T) {
	var dest map[string]string
	found, err := GetRedisObject(t.Context(), "k", &dest)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, SetRedisObject(t.Context(), "k", map[string]string{"a": "b"}, time.Minute))
	assert.NoError(t, RemoveRedisKey(t.Context(), "k"))
	assert.NoError(t, CloseRedis())
}
