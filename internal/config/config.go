// Package config loads pendingsync settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/pendingsync/internal/db"
	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
)

// Failure policies for successors of a hard-failed mutation.
const (
	PolicyHold    = "hold"
	PolicyCascade = "cascade"
)

// Config is the full configuration tree.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	DataDir       string        `yaml:"data_dir"`
	FileName      string        `yaml:"file_name"`
	BusyTimeout   time.Duration `yaml:"busy_timeout"`
	TxDeadline    time.Duration `yaml:"tx_deadline"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	StmtCacheSize int           `yaml:"stmt_cache_size"`
	OCCAttempts   int           `yaml:"occ_attempts"`
	OCCBusyPause  time.Duration `yaml:"occ_busy_pause"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  int           `yaml:"tokens"`
	Refill  time.Duration `yaml:"refill"`
}

type QueueConfig struct {
	DefaultDefers int    `yaml:"default_defers"`
	FailurePolicy string `yaml:"failure_policy"`
	MaxSize       int    `yaml:"max_size"` // per account, 0 = unbounded
	NotifyBuffer  int    `yaml:"notify_buffer"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	WorkersPerAccount int           `yaml:"workers_per_account"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:       defaultDataDir(),
			FileName:      db.DefaultFileName,
			BusyTimeout:   time.Second,
			TxDeadline:    5 * time.Second,
			StmtCacheSize: 64,
			OCCAttempts:   100,
			OCCBusyPause:  100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Tokens:  16,
			Refill:  250 * time.Millisecond,
		},
		Queue: QueueConfig{
			DefaultDefers: 15,
			FailurePolicy: PolicyHold,
			NotifyBuffer:  64,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      30 * time.Second,
			WorkersPerAccount: 1,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "pendingsync",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "pendingsync"
	}
	return ".pendingsync"
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to parse config", err)
			}
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("PENDINGSYNC_DATA_DIR"); v != "" {
		c.Database.DataDir = v
	}
	if v := os.Getenv("PENDINGSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PENDINGSYNC_FAILURE_POLICY"); v != "" {
		c.Queue.FailurePolicy = strings.ToLower(v)
	}
	if v := os.Getenv("PENDINGSYNC_DEFAULT_DEFERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.DefaultDefers = n
		}
	}
	if v := os.Getenv("PENDINGSYNC_RATE_LIMIT"); v != "" {
		c.RateLimit.Enabled = strings.ToLower(v) == "true"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Database.DataDir == "":
		return invalid("database.data_dir is required")
	case c.Database.BusyTimeout < 0 || c.Database.TxDeadline <= 0:
		return invalid("database.busy_timeout must be >= 0 and database.tx_deadline > 0")
	case c.Database.MaxOpenConns < 0:
		return invalid("database.max_open_conns must be >= 0")
	case c.Database.OCCAttempts <= 0:
		return invalid("database.occ_attempts must be > 0, got %d", c.Database.OCCAttempts)
	case c.RateLimit.Tokens <= 0 || c.RateLimit.Refill <= 0:
		return invalid("rate_limit.tokens and rate_limit.refill must be > 0")
	case c.Queue.DefaultDefers < 0:
		return invalid("queue.default_defers must be >= 0, got %d", c.Queue.DefaultDefers)
	case c.Queue.FailurePolicy != PolicyHold && c.Queue.FailurePolicy != PolicyCascade:
		return invalid("queue.failure_policy must be %q or %q, got %q", PolicyHold, PolicyCascade, c.Queue.FailurePolicy)
	case c.Queue.MaxSize < 0:
		return invalid("queue.max_size must be >= 0")
	case c.Scheduler.TickInterval <= 0:
		return invalid("scheduler.tick_interval must be > 0")
	case c.Scheduler.WorkersPerAccount <= 0:
		return invalid("scheduler.workers_per_account must be > 0")
	}
	return nil
}

// StoreOptions maps the database and rate-limit sections onto db.Options.
// Metrics, logger and clock are left for the caller to wire.
func (c *Config) StoreOptions() db.Options {
	return db.Options{
		DataDir:          c.Database.DataDir,
		FileName:         c.Database.FileName,
		BusyTimeout:      c.Database.BusyTimeout,
		TxDeadline:       c.Database.TxDeadline,
		MaxOpenConns:     c.Database.MaxOpenConns,
		StmtCacheSize:    c.Database.StmtCacheSize,
		OCCAttempts:      c.Database.OCCAttempts,
		OCCBusyPause:     c.Database.OCCBusyPause,
		RateLimitEnabled: c.RateLimit.Enabled,
		RateLimitTokens:  c.RateLimit.Tokens,
		RateLimitRefill:  c.RateLimit.Refill,
	}
}
