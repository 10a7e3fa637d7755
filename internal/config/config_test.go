package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT_HTTP", "LOG_LEVEL", "KAFKA_BROKERS", "REQUEST_TOPIC",
		"CONFIRMATION_TOPIC", "LOG_PARTITION", "DATA_DIR", "SETTLEMENT_ASSET",
		"STALE_ORDER_THRESHOLD_MS", "SNAPSHOT_INTERVAL_MS", "SNAPSHOT_BACKUP_TTL_SEC",
		"MAX_READ_FAILURES", "POLL_WAIT_MS", "AUTO_SEED_BALANCE", "AUTO_SEED_AMOUNT",
		"CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig("engine")
	require.NoError(t, err)

	assert.Equal(t, "engine", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Brokers())
	assert.Equal(t, "engine.requests", cfg.RequestTopic)
	assert.Equal(t, "engine.confirmations", cfg.ConfirmationTopic)
	assert.Equal(t, 0, cfg.Partition)
	assert.Equal(t, "USDC", cfg.SettlementAsset)
	assert.Equal(t, 5*time.Second, cfg.StaleOrderThreshold())
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval())
	assert.Equal(t, 5*time.Minute, cfg.SnapshotBackupTTL())
	assert.Equal(t, 5, cfg.MaxReadFailures)
	assert.Equal(t, 2*time.Second, cfg.PollWait())
	assert.False(t, cfg.AutoSeedBalance)
	assert.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT_HTTP", "9090")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("STALE_ORDER_THRESHOLD_MS", "1500")
	t.Setenv("AUTO_SEED_BALANCE", "true")
	t.Setenv("AUTO_SEED_AMOUNT", "2500.5")

	cfg, err := LoadConfig("engine")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
	assert.Equal(t, 1500*time.Millisecond, cfg.StaleOrderThreshold())
	assert.True(t, cfg.AutoSeedBalance)
	assert.Equal(t, 2500.5, cfg.AutoSeedAmount)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT_HTTP", "not-a-number")
	t.Setenv("AUTO_SEED_BALANCE", "sometimes")

	cfg, err := LoadConfig("engine")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.False(t, cfg.AutoSeedBalance)
}

func TestLoadConfig_FileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte("http_port: 7070\nrequest_topic: custom.requests\nauto_seed_balance: true\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	t.Setenv("PORT_HTTP", "9090")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig("engine")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, "custom.requests", cfg.RequestTopic)
	assert.True(t, cfg.AutoSeedBalance)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := LoadConfig("engine")
	assert.Error(t, err)
}
