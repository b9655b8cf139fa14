// Package config loads mixcore process configuration from defaults, an
// optional YAML/JSON file and environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coinblend/mixcore/pkg/logger"
)

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
	MigrationsPath  string `json:"migrations_path" yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH,default=internal/store/migrations"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// RedisConfig controls the shared cache / coordination layer.
type RedisConfig struct {
	Addr                 string `json:"addr" yaml:"addr" env:"REDIS_ADDR,default=localhost:6379"`
	Password             string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB                   int    `json:"db" yaml:"db" env:"REDIS_DB,default=0"`
	KeyPrefix            string `json:"key_prefix" yaml:"key_prefix" env:"REDIS_KEY_PREFIX,default=mixcore"`
	DefaultTTLSeconds    int    `json:"default_ttl_seconds" yaml:"default_ttl_seconds" env:"REDIS_DEFAULT_TTL_SECONDS,default=300"`
	CompressionThreshold int    `json:"compression_threshold" yaml:"compression_threshold" env:"REDIS_COMPRESSION_THRESHOLD,default=1024"`
	LockTTLSeconds       int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds" env:"REDIS_LOCK_TTL_SECONDS,default=30"`
	L1Capacity           int    `json:"l1_capacity" yaml:"l1_capacity" env:"CACHE_L1_CAPACITY,default=1000"`
	Disabled             bool   `json:"disabled" yaml:"disabled" env:"CACHE_DISABLED,default=false"`
}

// ChainConfig is the per-currency upstream node configuration.
type ChainConfig struct {
	Symbol              string `json:"symbol" yaml:"symbol"`
	RPCURL              string `json:"rpc_url" yaml:"rpc_url"`
	RPCUser             string `json:"rpc_user" yaml:"rpc_user"`
	RPCPassword         string `json:"rpc_password" yaml:"rpc_password"`
	WalletName          string `json:"wallet_name" yaml:"wallet_name"`
	TimeoutSeconds      int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries          int    `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds   int    `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	PollIntervalMinutes int    `json:"poll_interval_minutes" yaml:"poll_interval_minutes"`
	RateLimitPerSecond  int    `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	InstantSendEnabled  bool   `json:"instant_send_enabled" yaml:"instant_send_enabled"`
}

// Timeout returns the adapter call budget.
func (c ChainConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base linear-backoff delay.
func (c ChainConfig) RetryDelay() time.Duration {
	if c.RetryDelaySeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// MixerConfig tunes the request lifecycle and workers.
type MixerConfig struct {
	ExpiryHours            int     `json:"expiry_hours" yaml:"expiry_hours" env:"MIXER_EXPIRY_HOURS,default=24"`
	DepositTolerance       float64 `json:"deposit_tolerance" yaml:"deposit_tolerance" env:"MIXER_DEPOSIT_TOLERANCE,default=0.0001"`
	DispatchBatchSize      int     `json:"dispatch_batch_size" yaml:"dispatch_batch_size" env:"MIXER_DISPATCH_BATCH_SIZE,default=25"`
	DispatchIntervalSecs   int     `json:"dispatch_interval_seconds" yaml:"dispatch_interval_seconds" env:"MIXER_DISPATCH_INTERVAL_SECONDS,default=15"`
	MaxRetries             int     `json:"max_retries" yaml:"max_retries" env:"MIXER_MAX_RETRIES,default=3"`
	OverdueThresholdHours  int     `json:"overdue_threshold_hours" yaml:"overdue_threshold_hours" env:"MIXER_OVERDUE_THRESHOLD_HOURS,default=24"`
	CapacityBackoffSeconds int     `json:"capacity_backoff_seconds" yaml:"capacity_backoff_seconds" env:"MIXER_CAPACITY_BACKOFF_SECONDS,default=60"`
	PoolTimeoutHours       int     `json:"pool_timeout_hours" yaml:"pool_timeout_hours" env:"MIXER_POOL_TIMEOUT_HOURS,default=12"`
	OperationWaitSeconds   int     `json:"operation_wait_seconds" yaml:"operation_wait_seconds" env:"MIXER_OPERATION_WAIT_SECONDS,default=300"`
}

// KeystoreConfig configures the in-process key store used when no external
// backend is wired.
type KeystoreConfig struct {
	MasterKeyHex string `json:"master_key_hex" yaml:"master_key_hex" env:"KEYSTORE_MASTER_KEY"`
}

// Config is the top-level configuration structure.
type Config struct {
	Environment string         `json:"environment" yaml:"environment" env:"ENVIRONMENT,default=DEVELOPMENT"`
	Database    DatabaseConfig `json:"database" yaml:"database"`
	Redis       RedisConfig    `json:"redis" yaml:"redis"`
	Logging     logger.Config  `json:"logging" yaml:"logging"`
	Mixer       MixerConfig    `json:"mixer" yaml:"mixer"`
	Keystore    KeystoreConfig `json:"keystore" yaml:"keystore"`
	Chains      []ChainConfig  `json:"chains" yaml:"chains"`
}

// Load reads configuration, layering defaults, the optional file at path and
// environment variables. A .env file next to the process is honoured first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse json config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format: %s", path)
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when no tagged field resolves from the
		// environment; a file-only configuration is still valid.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.TimeoutSeconds == 0 {
			ch.TimeoutSeconds = 30
		}
		if ch.MaxRetries == 0 {
			ch.MaxRetries = 3
		}
		if ch.RetryDelaySeconds == 0 {
			ch.RetryDelaySeconds = 2
		}
		if ch.PollIntervalMinutes == 0 {
			ch.PollIntervalMinutes = 5
		}
		if ch.RateLimitPerSecond == 0 {
			ch.RateLimitPerSecond = 10
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Environment) {
	case "DEVELOPMENT", "STAGING", "PRODUCTION":
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if c.Mixer.ExpiryHours <= 0 {
		return fmt.Errorf("mixer expiry must be positive")
	}
	if c.Mixer.DepositTolerance < 0 || c.Mixer.DepositTolerance >= 1 {
		return fmt.Errorf("deposit tolerance must lie in [0,1)")
	}
	for _, ch := range c.Chains {
		if ch.Symbol == "" || ch.RPCURL == "" {
			return fmt.Errorf("chain config requires symbol and rpc_url")
		}
		if ch.PollIntervalMinutes < 1 || ch.PollIntervalMinutes > 1440 {
			return fmt.Errorf("chain %s: poll interval must lie in [1,1440] minutes", ch.Symbol)
		}
	}
	return nil
}
