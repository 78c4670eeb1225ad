package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/accrual"
	"github.com/alfalak/ledger/internal/auditlog"
	"github.com/alfalak/ledger/internal/config"
	"github.com/alfalak/ledger/internal/distribution"
	"github.com/alfalak/ledger/internal/engine"
	"github.com/alfalak/ledger/internal/gitops"
	"github.com/alfalak/ledger/internal/logger"
	"github.com/alfalak/ledger/internal/store"
	"github.com/alfalak/ledger/internal/store/filestore"
	"github.com/alfalak/ledger/internal/store/memstore"
	"github.com/alfalak/ledger/internal/store/pgstore"
	"github.com/alfalak/ledger/internal/store/redisstore"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dataDir    string
	configPath string
}

// app is the wiring for one command invocation.
type app struct {
	dataDir string
	cfg     *config.Config
	store   store.Store
	engine  *engine.Engine
	audit   *auditlog.Log
}

func (g *globalFlags) dataDirAbs() (string, error) {
	dir, err := filepath.Abs(g.dataDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return dir, nil
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func (g *globalFlags) loadConfig() (*config.Config, string, error) {
	dataDir, err := g.dataDirAbs()
	if err != nil {
		return nil, "", err
	}
	path := g.configPath
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = config.Default()
	}
	return cfg, dataDir, nil
}

func (g *globalFlags) open(ctx context.Context) (*app, error) {
	cfg, dataDir, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg, dataDir)
	if err != nil {
		return nil, err
	}

	rate, err := cfg.MonthlyRate()
	if err != nil {
		s.Close()
		return nil, err
	}
	calc, err := accrual.New(rate)
	if err != nil {
		s.Close()
		return nil, err
	}
	shares, err := cfg.Shares()
	if err != nil {
		s.Close()
		return nil, err
	}
	fixed, err := distribution.NewFixed(shares)
	if err != nil {
		s.Close()
		return nil, err
	}

	audit := auditlog.New(dataDir)
	e, err := engine.New(s, engine.Options{
		MaxRetries: cfg.Engine.MaxRetries,
		Calculator: &calc,
		Auto:       fixed,
		Auditor:    audit,
		Log:        logger.L(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return &app{dataDir: dataDir, cfg: cfg, store: s, engine: e, audit: audit}, nil
}

func openStore(ctx context.Context, cfg *config.Config, dataDir string) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memstore.New(), nil
	case config.BackendFile:
		dir := cfg.Store.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(dataDir, dir)
		}
		return filestore.New(dir)
	case config.BackendRedis:
		rdb, err := redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return redisstore.New(rdb), nil
	case config.BackendPostgres:
		return pgstore.Connect(ctx, cfg.Store.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *app) Close() error { return a.store.Close() }

// snapshot commits the data directory to git after a write when enabled.
func (a *app) snapshot(ctx context.Context, cmd *cobra.Command, message string) {
	if a.cfg.Store.Backend != config.BackendFile || !a.cfg.Git.AutoCommit || !gitops.IsRepo(a.dataDir) {
		return
	}
	if !gitops.Available() {
		logger.Warnf("git not found on PATH; skipping snapshot of %s", a.dataDir)
		return
	}
	author := gitops.Author{Name: a.cfg.Git.AuthorName, Email: a.cfg.Git.AuthorEmail}
	hash, err := gitops.Snapshot(ctx, a.dataDir, message, author)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: git snapshot failed: %v\n", err)
		return
	}
	logger.Debugf("git snapshot %s: %s", hash, message)
}

// withApp opens the app for the duration of fn.
func (g *globalFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// usd renders an amount as US dollars, e.g. "$1,250.75".
func usd(d decimal.Decimal) string {
	cents := d.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
