package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the engine and its tools
type Config struct {
	// Service name
	ServiceName string `yaml:"-"`

	// HTTP health server port
	HTTPPort int `yaml:"http_port"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `yaml:"kafka_brokers"`

	// Request log topic (price updates + order/close/deposit requests)
	RequestTopic string `yaml:"request_topic"`

	// Confirmation log topic
	ConfirmationTopic string `yaml:"confirmation_topic"`

	// Partition the engine consumes; the log is single-partition by contract
	Partition int `yaml:"partition"`

	// Directory for the snapshot database
	DataDir string `yaml:"data_dir"`

	// Settlement asset for all collateral balances
	SettlementAsset string `yaml:"settlement_asset"`

	// Maximum age of an order/close/deposit request relative to engine start
	StaleOrderThresholdMs int `yaml:"stale_order_threshold_ms"`

	// Periodic snapshot interval
	SnapshotIntervalMs int `yaml:"snapshot_interval_ms"`

	// TTL on the backup snapshot key
	SnapshotBackupTTLSec int `yaml:"snapshot_backup_ttl_sec"`

	// Consecutive log-read failures before the engine gives up
	MaxReadFailures int `yaml:"max_read_failures"`

	// Bounded blocking-read window for log polls
	PollWaitMs int `yaml:"poll_wait_ms"`

	// Seed unknown users with AutoSeedAmount on their first order
	AutoSeedBalance bool `yaml:"auto_seed_balance"`

	// Amount credited when AutoSeedBalance is on
	AutoSeedAmount float64 `yaml:"auto_seed_amount"`
}

// LoadConfig loads configuration from environment variables with defaults.
// If CONFIG_FILE points at a yaml file, its values override the environment.
func LoadConfig(serviceName string) (*Config, error) {
	cfg := &Config{
		ServiceName:           serviceName,
		HTTPPort:              getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:              getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers:          getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		RequestTopic:          getEnvAsString("REQUEST_TOPIC", "engine.requests"),
		ConfirmationTopic:     getEnvAsString("CONFIRMATION_TOPIC", "engine.confirmations"),
		Partition:             getEnvAsInt("LOG_PARTITION", 0),
		DataDir:               getEnvAsString("DATA_DIR", "./data"),
		SettlementAsset:       getEnvAsString("SETTLEMENT_ASSET", "USDC"),
		StaleOrderThresholdMs: getEnvAsInt("STALE_ORDER_THRESHOLD_MS", 5000),
		SnapshotIntervalMs:    getEnvAsInt("SNAPSHOT_INTERVAL_MS", 30000),
		SnapshotBackupTTLSec:  getEnvAsInt("SNAPSHOT_BACKUP_TTL_SEC", 300),
		MaxReadFailures:       getEnvAsInt("MAX_READ_FAILURES", 5),
		PollWaitMs:            getEnvAsInt("POLL_WAIT_MS", 2000),
		AutoSeedBalance:       getEnvAsBool("AUTO_SEED_BALANCE", false),
		AutoSeedAmount:        getEnvAsFloat("AUTO_SEED_AMOUNT", 10000),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return cfg, nil
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// StaleOrderThreshold returns the staleness window as a duration
func (c *Config) StaleOrderThreshold() time.Duration {
	return time.Duration(c.StaleOrderThresholdMs) * time.Millisecond
}

// SnapshotInterval returns the periodic snapshot interval as a duration
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// SnapshotBackupTTL returns the backup key TTL as a duration
func (c *Config) SnapshotBackupTTL() time.Duration {
	return time.Duration(c.SnapshotBackupTTLSec) * time.Second
}

// PollWait returns the bounded blocking-read window as a duration
func (c *Config) PollWait() time.Duration {
	return time.Duration(c.PollWaitMs) * time.Millisecond
}

// Brokers returns the broker list split and trimmed
func (c *Config) Brokers() []string {
	var parts []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			parts = append(parts, b)
		}
	}
	return parts
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
