package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/config"
	"github.com/alfalak/ledger/internal/gitops"
)

func newInitCommand() *cobra.Command {
	var backend string
	var git bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new ledger data directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			return runInit(cmd, absDir, backend, git)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendFile, "store backend (memory, file, redis, postgres)")
	cmd.Flags().BoolVar(&git, "git", false, "track the data directory in git")

	return cmd
}

// gitignore keeps lock and scratch files of the file store out of snapshots.
const gitignore = `accounts/*.lock
accounts/.create-*
accounts/*/.account-*
`

func runInit(cmd *cobra.Command, dir, backend string, git bool) error {
	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	dirs := []string{
		"accounts",
		"logs",
		"import",
		filepath.Join("import", "processed"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	cfg := config.Default()
	cfg.Store.Backend = backend
	switch backend {
	case config.BackendRedis:
		cfg.Store.RedisAddr = "localhost:6379"
	case config.BackendPostgres:
		cfg.Store.PostgresURL = "postgres://localhost:5432/ledger"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "import", ".gitkeep"), []byte{}, 0o644); err != nil {
		return fmt.Errorf("writing .gitkeep: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	out := cmd.OutOrStdout()
	if git {
		if !gitops.Available() {
			return errors.New("--git: git not found on PATH")
		}
		if err := gitops.Init(cmd.Context(), dir); err != nil {
			return err
		}
		author := gitops.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}
		hash, err := gitops.Snapshot(cmd.Context(), dir, "init: ledger data directory", author)
		if err != nil {
			return fmt.Errorf("initial commit: %w", err)
		}
		fmt.Fprintf(out, "Initialized ledger at %s (%s)\n", dir, hash)
		return nil
	}
	fmt.Fprintf(out, "Initialized ledger at %s\n", dir)
	return nil
}
