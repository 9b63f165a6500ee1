package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/execution"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Account    AccountConfig    `json:"account" yaml:"account"`
	Buckets    []BucketConfig   `json:"buckets" yaml:"buckets"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Feed       FeedConfig       `json:"feed" yaml:"feed"`
	Confidence ConfidenceConfig `json:"confidence" yaml:"confidence"`
	Execution  ExecutionConfig  `json:"execution" yaml:"execution"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// AccountConfig sizes the account the buckets are carved from.
type AccountConfig struct {
	ID   string  `json:"id" yaml:"id"`
	Size float64 `json:"size" yaml:"size"`
}

// BucketConfig is either an absolute amount or a fraction of account size.
type BucketConfig struct {
	Name   string  `json:"name" yaml:"name"`
	Amount float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	Pct    float64 `json:"pct,omitempty" yaml:"pct,omitempty"`
}

type LedgerConfig struct {
	AdoptedBucket  string `json:"adopted_bucket" yaml:"adopted_bucket"`
	LockWait       string `json:"lock_wait" yaml:"lock_wait"`
	ReservationTTL string `json:"reservation_ttl" yaml:"reservation_ttl"`
	SweepInterval  string `json:"sweep_interval" yaml:"sweep_interval"`
}

type FeedConfig struct {
	URL              string `json:"url,omitempty" yaml:"url,omitempty"`
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	Window           string `json:"window" yaml:"window"`
	CoolDown         string `json:"cool_down" yaml:"cool_down"`
	StaleAfter       string `json:"stale_after" yaml:"stale_after"`
}

type ConfidenceConfig struct {
	Threshold       float64 `json:"threshold" yaml:"threshold"`
	ReferenceScale  float64 `json:"reference_scale" yaml:"reference_scale"`
	RefreshInterval string  `json:"refresh_interval" yaml:"refresh_interval"`
	MaxSampleAge    string  `json:"max_sample_age,omitempty" yaml:"max_sample_age,omitempty"`
}

type ExecutionConfig struct {
	GatewayTimeout       string `json:"gateway_timeout" yaml:"gateway_timeout"`
	CompensationAttempts int    `json:"compensation_attempts" yaml:"compensation_attempts"`
	CompensationBackoff  string `json:"compensation_backoff" yaml:"compensation_backoff"`
	// CompensationMaxBackoff caps the doubling backoff between retries.
	CompensationMaxBackoff string `json:"compensation_max_backoff,omitempty" yaml:"compensation_max_backoff,omitempty"`
	QueueSize              int    `json:"queue_size" yaml:"queue_size"`
}

type ReconcileConfig struct {
	StartupAttempts int    `json:"startup_attempts" yaml:"startup_attempts"`
	RetryDelay      string `json:"retry_delay" yaml:"retry_delay"`
	Interval        string `json:"interval,omitempty" yaml:"interval,omitempty"` // periodic runs; empty disables
}

// JournalConfig selects the persistent store.
type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "sqlite" or "memory"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development,omitempty" yaml:"development,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// Duration parses a config duration; an empty string yields zero.
func Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// MustDuration is Duration for values that have already been validated.
func MustDuration(s string) time.Duration {
	d, err := Duration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// zero is a valid threshold, so one left out of the file keeps the default
	cfg := &Config{Confidence: ConfidenceConfig{Threshold: Default().Confidence.Threshold}}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration as YAML or JSON based on extension
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// LoadEnv applies TRADEGUARD_* overrides. Variables are read from envFile
// first when it exists; the process environment wins over the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if v := os.Getenv("TRADEGUARD_DB_PATH"); v != "" {
		c.Journal.Type = "sqlite"
		c.Journal.DBPath = v
	}
	if v := os.Getenv("TRADEGUARD_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("TRADEGUARD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TRADEGUARD_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Size <= 0 {
		return fmt.Errorf("account.size must be positive")
	}
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	seen := make(map[string]bool, len(c.Buckets))
	var pct float64
	for _, b := range c.Buckets {
		if b.Name == "" {
			return fmt.Errorf("bucket name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate bucket %q", b.Name)
		}
		seen[b.Name] = true
		if b.Amount < 0 || b.Pct < 0 {
			return fmt.Errorf("bucket %q: amount and pct must not be negative", b.Name)
		}
		if b.Amount == 0 && b.Pct == 0 {
			return fmt.Errorf("bucket %q: amount or pct is required", b.Name)
		}
		if b.Amount == 0 {
			pct += b.Pct
		}
	}
	if pct > 1.0000001 {
		return fmt.Errorf("bucket percentages add up to %.4f, more than 1", pct)
	}
	if c.Ledger.AdoptedBucket == "" {
		return fmt.Errorf("ledger.adopted_bucket is required")
	}
	if !seen[c.Ledger.AdoptedBucket] {
		return fmt.Errorf("ledger.adopted_bucket %q is not a configured bucket", c.Ledger.AdoptedBucket)
	}

	durations := map[string]string{
		"ledger.lock_wait":                   c.Ledger.LockWait,
		"ledger.reservation_ttl":             c.Ledger.ReservationTTL,
		"ledger.sweep_interval":              c.Ledger.SweepInterval,
		"feed.window":                        c.Feed.Window,
		"feed.cool_down":                     c.Feed.CoolDown,
		"feed.stale_after":                   c.Feed.StaleAfter,
		"confidence.refresh_interval":        c.Confidence.RefreshInterval,
		"confidence.max_sample_age":          c.Confidence.MaxSampleAge,
		"execution.gateway_timeout":          c.Execution.GatewayTimeout,
		"execution.compensation_backoff":     c.Execution.CompensationBackoff,
		"execution.compensation_max_backoff": c.Execution.CompensationMaxBackoff,
		"reconcile.retry_delay":              c.Reconcile.RetryDelay,
		"reconcile.interval":                 c.Reconcile.Interval,
	}
	for name, v := range durations {
		d, err := Duration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Feed.FailureThreshold < 1 {
		return fmt.Errorf("feed.failure_threshold must be at least 1")
	}
	if c.Confidence.Threshold < 0 || c.Confidence.Threshold > 1 {
		return fmt.Errorf("confidence.threshold must be between 0 and 1")
	}
	if c.Confidence.ReferenceScale <= 0 {
		return fmt.Errorf("confidence.reference_scale must be positive")
	}
	if c.Execution.CompensationAttempts < 1 {
		return fmt.Errorf("execution.compensation_attempts must be at least 1")
	}
	if maxB := MustDuration(c.Execution.CompensationMaxBackoff); maxB > 0 && maxB < MustDuration(c.Execution.CompensationBackoff) {
		return fmt.Errorf("execution.compensation_max_backoff must not be less than compensation_backoff")
	}
	// an open holds its reservation unpinned until it settles, so the sweep
	// must not be able to take it first
	ttl := MustDuration(c.Ledger.ReservationTTL)
	if ttl == 0 {
		ttl = capital.DefaultConfig().ReservationTTL
	}
	if budget := c.ExecutionConfig().ExecutionBudget(); ttl <= budget {
		return fmt.Errorf("ledger.reservation_ttl %s must exceed the execution budget %s (gateway timeout plus compensation)", ttl, budget)
	}
	if c.Journal.Type != "sqlite" && c.Journal.Type != "memory" {
		return fmt.Errorf("journal.type must be 'sqlite' or 'memory'")
	}
	if c.Journal.Type == "sqlite" && c.Journal.DBPath == "" {
		return fmt.Errorf("journal db_path required for SQLite type")
	}
	return nil
}

// ExecutionConfig converts the execution section. Call after Validate has
// accepted the durations.
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		GatewayTimeout:         MustDuration(c.Execution.GatewayTimeout),
		CompensationAttempts:   c.Execution.CompensationAttempts,
		CompensationBackoff:    MustDuration(c.Execution.CompensationBackoff),
		CompensationMaxBackoff: MustDuration(c.Execution.CompensationMaxBackoff),
	}
}

// Allocations converts the bucket section for capital.Allocate.
func (c *Config) Allocations() []capital.Allocation {
	out := make([]capital.Allocation, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		out = append(out, capital.Allocation{
			Name:   b.Name,
			Amount: decimal.NewFromFloat(b.Amount),
			Pct:    decimal.NewFromFloat(b.Pct),
		})
	}
	return out
}

// LedgerBuckets sizes every bucket against the account.
func (c *Config) LedgerBuckets() ([]capital.Bucket, error) {
	return capital.Allocate(decimal.NewFromFloat(c.Account.Size), c.Allocations())
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			ID:   "PAPER-001",
			Size: 100000,
		},
		Buckets: []BucketConfig{
			{Name: "weekly", Pct: 0.40},
			{Name: "monthly", Pct: 0.40},
			{Name: "intraday", Pct: 0.10},
			{Name: "adopted", Pct: 0.10},
		},
		Ledger: LedgerConfig{
			AdoptedBucket:  "adopted",
			LockWait:       "2s",
			ReservationTTL: "5m",
			SweepInterval:  "30s",
		},
		Feed: FeedConfig{
			FailureThreshold: 5,
			Window:           "1m",
			CoolDown:         "5m",
			StaleAfter:       "30s",
		},
		Confidence: ConfidenceConfig{
			Threshold:       0.5,
			ReferenceScale:  0.1,
			RefreshInterval: "15s",
		},
		Execution: ExecutionConfig{
			GatewayTimeout:         "10s",
			CompensationAttempts:   5,
			CompensationBackoff:    "250ms",
			CompensationMaxBackoff: "5s",
			QueueSize:              64,
		},
		Reconcile: ReconcileConfig{
			StartupAttempts: 5,
			RetryDelay:      "2s",
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./tradeguard.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
