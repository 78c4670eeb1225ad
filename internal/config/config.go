package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/alfalak/ledger/internal/accrual"
	"github.com/alfalak/ledger/internal/distribution"
	"github.com/alfalak/ledger/internal/model"
)

// FileName is the config file looked up in the data directory.
const FileName = "ledger.yaml"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the top-level ledger.yaml configuration.
type Config struct {
	Accrual    AccrualConfig    `yaml:"accrual"`
	Engine     EngineConfig     `yaml:"engine"`
	Allocation AllocationConfig `yaml:"allocation"`
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Git        GitConfig        `yaml:"git"`
}

// AccrualConfig sets the growth model.
type AccrualConfig struct {
	MonthlyRate string `yaml:"monthly_rate"` // decimal, e.g. "0.24"
}

// EngineConfig tunes the write path.
type EngineConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// AllocationConfig holds the auto-allocate split.
type AllocationConfig struct {
	Shares map[string]string `yaml:"shares"` // sector -> decimal share
}

// StoreConfig selects and configures the account store.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir,omitempty"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	PostgresURL   string `yaml:"postgres_url,omitempty"`
}

// HTTPConfig configures the serve command.
type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	OperatorToken string `yaml:"operator_token,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GitConfig controls snapshots of a file-backed data directory. Snapshots
// happen only when the directory is a git repository.
type GitConfig struct {
	AutoCommit  bool   `yaml:"auto_commit"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Load reads a ledger.yaml file from disk. Keys missing from the file keep
// their Default values; unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	defaults := cfg.Allocation.Shares
	cfg.Allocation.Shares = nil // a shares map in the file replaces the default one
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Allocation.Shares == nil {
		cfg.Allocation.Shares = defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with the standard rate and split, backed by the
// file store in the current directory.
func Default() *Config {
	shares := make(map[string]string)
	for s, v := range distribution.DefaultShares() {
		shares[string(s)] = v.String()
	}
	return &Config{
		Accrual:    AccrualConfig{MonthlyRate: accrual.DefaultMonthlyRate.String()},
		Engine:     EngineConfig{MaxRetries: 5},
		Allocation: AllocationConfig{Shares: shares},
		Store:      StoreConfig{Backend: BackendFile, Dir: "."},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Log:        LogConfig{Level: "info", Format: "text"},
		Git: GitConfig{
			AutoCommit:  true,
			AuthorName:  "Ledger",
			AuthorEmail: "ledger@alfalak.local",
		},
	}
}

// Validate checks value ranges and that the typed accessors will succeed.
func (c *Config) Validate() error {
	if _, err := c.MonthlyRate(); err != nil {
		return err
	}
	if _, err := c.Shares(); err != nil {
		return err
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1, got %d", c.Engine.MaxRetries)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

// MonthlyRate parses accrual.monthly_rate.
func (c *Config) MonthlyRate() (decimal.Decimal, error) {
	r, err := decimal.NewFromString(c.Accrual.MonthlyRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("accrual.monthly_rate %q: %w", c.Accrual.MonthlyRate, err)
	}
	if r.IsNegative() {
		return decimal.Zero, fmt.Errorf("accrual.monthly_rate must not be negative, got %s", r)
	}
	return r, nil
}

// Shares parses allocation.shares into a sector map and checks it sums to 1.
func (c *Config) Shares() (map[model.Sector]decimal.Decimal, error) {
	out := make(map[model.Sector]decimal.Decimal, len(c.Allocation.Shares))
	for name, v := range c.Allocation.Shares {
		s, err := model.ParseSector(name)
		if err != nil {
			return nil, fmt.Errorf("allocation.shares: %w", err)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("allocation.shares.%s %q: %w", name, v, err)
		}
		out[s] = d
	}
	if _, err := distribution.NewFixed(out); err != nil {
		return nil, fmt.Errorf("allocation.shares: %w", err)
	}
	return out, nil
}
