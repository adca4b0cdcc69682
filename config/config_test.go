package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	_, cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "remit-engine", cfg.Application)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 72*time.Hour, cfg.Ledger.CandidatePendingAge)
	assert.Equal(t, "sqlite", cfg.Notify.SubscriptionStore)
	assert.False(t, cfg.Kafka.Enabled)

	err = cfg.Validate()
	require.Error(t, err, "the default secret is empty")
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  encoding: "logfmt"
server:
  port: 9090
auth:
  secret: "a-long-enough-secret"
notify:
  subscription_store: "redis"
  redis:
    uri: "redis:6379"
kafka:
  enabled: true
  topic: "ledger-events"
`), 0o600))

	_, cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "logfmt", cfg.Logger.Encoding)
	assert.Equal(t, "redis:6379", cfg.Notify.Redis.URI)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers, "untouched defaults survive")
	assert.Equal(t, "ledger-events", cfg.Kafka.Topic)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	_, cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.Secret = "short"
	cfg.Server.Port = 0
	cfg.Logger.Encoding = "xml"
	cfg.Notify.SubscriptionStore = "etcd"
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil

	err = cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"auth.secret", "server.port", "logger.encoding", "notify.subscription_store", "kafka.brokers"} {
		assert.Contains(t, err.Error(), field)
	}
}
