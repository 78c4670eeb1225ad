// Package gitops snapshots a file-backed ledger directory into git, giving
// the account files a history independent of the ledger's own log.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Author identifies who made a snapshot commit.
type Author struct {
	Name  string
	Email string
}

func (a Author) env() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME="+a.Name,
		"GIT_AUTHOR_EMAIL="+a.Email,
		"GIT_COMMITTER_NAME="+a.Name,
		"GIT_COMMITTER_EMAIL="+a.Email,
	)
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Init initializes a new git repository at dir.
func Init(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "init", "--quiet")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init: %s: %w", out, err)
	}
	return nil
}

// IsRepo reports whether dir is the root of a git repository.
func IsRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Snapshot stages every change under dir and commits it. It returns the
// short hash, or "" when there was nothing to commit.
func Snapshot(ctx context.Context, dir, message string, author Author) (string, error) {
	run := func(args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		cmd.Env = author.env()
		out, err := cmd.CombinedOutput()
		if err != nil {
			return out, fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
		}
		return out, nil
	}

	if _, err := run("add", "-A"); err != nil {
		return "", err
	}
	status, err := run("status", "--porcelain")
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(string(status))) == 0 {
		return "", nil
	}
	if _, err := run("commit", "--quiet", "-m", message); err != nil {
		return "", err
	}
	out, err := run("rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
