// Package config loads engine configuration from the environment, with an
// optional YAML file layered underneath for file-based deployments. Values
// resolve as: defaults < yaml file < environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full engine configuration.
type Config struct {
	Port     string `yaml:"port" validate:"required"`
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`

	// DatabaseURL is a Postgres DSN, or the literal "memory" for the
	// in-process gateway used by tests and broker-less dev setups.
	DatabaseURL string `yaml:"database_url" validate:"required"`

	// EncryptionKey signs session cookies; JWTSecret signs engine-issued API
	// tokens. Both are distinct from the vault-derived key.
	EncryptionKey string `yaml:"encryption_key"`
	JWTSecret     string `yaml:"jwt_secret"`

	QueueBackend string `yaml:"queue_backend" validate:"required,oneof=inmemory rabbitmq kafka"`
	RabbitMQURL  string `yaml:"rabbitmq_url" validate:"required_if=QueueBackend rabbitmq"`
	KafkaBrokers string `yaml:"kafka_brokers" validate:"required_if=QueueBackend kafka"`

	RedisAddr     string `yaml:"redis_addr"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`

	TokenRefreshSkewSeconds           int `yaml:"token_refresh_skew_seconds" validate:"min=0"`
	TokenRefreshStuckThresholdSeconds int `yaml:"token_refresh_stuck_threshold_seconds" validate:"min=1"`
	JoinDefaultTimeoutMinutes         int `yaml:"join_default_timeout_minutes" validate:"min=1"`
	JoinSweepIntervalSeconds          int `yaml:"join_sweep_interval_seconds" validate:"min=1"`
	PollerDefaultIntervalMinutes      int `yaml:"poller_default_interval_minutes" validate:"min=1"`
	PollerFingerprintRingSize         int `yaml:"poller_fingerprint_ring_size" validate:"min=1"`
	HTTPNodeTimeoutSeconds            int `yaml:"http_node_timeout_seconds" validate:"min=1"`
	WorkerCount                       int `yaml:"worker_count" validate:"min=1"`

	// VaultAutoUnlockSeed unlocks the vault at startup. Dev convenience only;
	// production deployments unlock through the API after boot.
	VaultAutoUnlockSeed string `yaml:"vault_auto_unlock_seed"`
}

// Defaults returns a config populated with engine defaults.
func Defaults() Config {
	return Config{
		Port:                              "8080",
		LogLevel:                          "info",
		LogFormat:                         "json",
		QueueBackend:                      "inmemory",
		TokenRefreshSkewSeconds:           300,
		TokenRefreshStuckThresholdSeconds: 60,
		JoinDefaultTimeoutMinutes:         1440,
		JoinSweepIntervalSeconds:          60,
		PollerDefaultIntervalMinutes:      5,
		PollerFingerprintRingSize:         100,
		HTTPNodeTimeoutSeconds:            30,
		WorkerCount:                       4,
	}
}

// Load builds the effective config. A missing .env is fine; a yamlPath of ""
// skips the file layer entirely.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if yamlPath == "" {
		yamlPath = os.Getenv("TRELLIS_CONFIG")
	}
	if yamlPath != "" {
		if err := loadFile(yamlPath, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.QueueBackend, "QUEUE_BACKEND")
	setString(&cfg.RabbitMQURL, "RABBITMQ_URL")
	setString(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.PubSubProject, "PUBSUB_PROJECT")
	setString(&cfg.PubSubTopic, "PUBSUB_TOPIC")
	setString(&cfg.VaultAutoUnlockSeed, "VAULT_AUTO_UNLOCK_SEED")

	setInt(&cfg.TokenRefreshSkewSeconds, "TOKEN_REFRESH_SKEW_SECONDS")
	setInt(&cfg.TokenRefreshStuckThresholdSeconds, "TOKEN_REFRESH_STUCK_THRESHOLD_SECONDS")
	setInt(&cfg.JoinDefaultTimeoutMinutes, "JOIN_DEFAULT_TIMEOUT_MINUTES")
	setInt(&cfg.JoinSweepIntervalSeconds, "JOIN_SWEEP_INTERVAL_SECONDS")
	setInt(&cfg.PollerDefaultIntervalMinutes, "POLLER_DEFAULT_INTERVAL_MINUTES")
	setInt(&cfg.PollerFingerprintRingSize, "POLLER_FINGERPRINT_RING_SIZE")
	setInt(&cfg.HTTPNodeTimeoutSeconds, "HTTP_NODE_TIMEOUT_SECONDS")
	setInt(&cfg.WorkerCount, "WORKER_COUNT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks structural constraints on the assembled config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("config: field %s failed %q validation", e.Field(), e.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Derived durations.

func (c *Config) TokenRefreshSkew() time.Duration {
	return time.Duration(c.TokenRefreshSkewSeconds) * time.Second
}

func (c *Config) TokenStuckThreshold() time.Duration {
	return time.Duration(c.TokenRefreshStuckThresholdSeconds) * time.Second
}

func (c *Config) JoinDefaultTimeout() time.Duration {
	return time.Duration(c.JoinDefaultTimeoutMinutes) * time.Minute
}

func (c *Config) JoinSweepInterval() time.Duration {
	return time.Duration(c.JoinSweepIntervalSeconds) * time.Second
}

func (c *Config) PollerDefaultInterval() time.Duration {
	return time.Duration(c.PollerDefaultIntervalMinutes) * time.Minute
}

func (c *Config) HTTPNodeTimeout() time.Duration {
	return time.Duration(c.HTTPNodeTimeoutSeconds) * time.Second
}

// MemoryStorage reports whether the in-process gateway was requested.
func (c *Config) MemoryStorage() bool {
	return c.DatabaseURL == "memory"
}
