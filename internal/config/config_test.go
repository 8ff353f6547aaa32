package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("TASK_TOPIC", "")
	t.Setenv("TASK_GROUP", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REMOTE_TIMEOUT", "")
	t.Setenv("PUBLISH_ATTEMPTS", "")
	t.Setenv("TASK_RETENTION", "")

	cfg := Load("ledger-worker")
	assert.Equal(t, "ledger.internal", cfg.TaskTopic)
	assert.Equal(t, "ledger-worker", cfg.TaskGroup)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 5, cfg.PublishAttempts)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Hour, cfg.TaskRetention)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PENDING_TTL", "90s")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("TASK_TOPIC", "")

	cfg := Load("payments-worker")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.PendingTTL)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, "payment.internal", cfg.TaskTopic)
}

func TestRequire(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	cfg := Load("payments-worker")

	err := cfg.Require("DB_SOURCE", "AMQP_URL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")
	assert.NotContains(t, err.Error(), "AMQP_URL")

	cfg.DBSource = "postgres://x"
	assert.NoError(t, cfg.Require("DB_SOURCE"))
}
