// Package importer reads bank settlement statements and reconciles them
// against the pending deposits of an account. It never mutates the ledger.
package importer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Parser reads one statement layout.
type Parser interface {
	Parse(r io.Reader) ([]SettlementLine, error)
	Format() string
}

// Registry holds named parsers.
type Registry struct {
	parsers map[string]Parser
}

// FileInfo describes a CSV file in the import directory.
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds p under its lower-cased format name. Registering the same
// name twice is a programming error and panics.
func (r *Registry) Register(p Parser) {
	key := strings.ToLower(p.Format())
	if _, ok := r.parsers[key]; ok {
		panic("duplicate parser format: " + key)
	}
	r.parsers[key] = p
}

// Get returns the parser for format, or nil.
func (r *Registry) Get(format string) Parser {
	return r.parsers[strings.ToLower(format)]
}

// DefaultRegistry returns a registry with all built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&StandardParser{})
	return r
}

const (
	importDir    = "import"
	processedDir = "import/processed"
)

// Scan lists the statements waiting in <dataDir>/import/, ordered by name.
// Hidden files and subdirectories are skipped.
func Scan(dataDir string) ([]FileInfo, error) {
	dir := filepath.Join(dataDir, importDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing statements: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("statement %s: %w", name, err)
		}
		files = append(files, FileInfo{Name: name, Path: filepath.Join(dir, name), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// MarkProcessed archives a reconciled statement under import/processed/.
// An archived statement of the same name is never overwritten.
func MarkProcessed(dataDir, fileName string) error {
	archive := filepath.Join(dataDir, processedDir)
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	dst := filepath.Join(archive, fileName)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("archiving %s: %w", fileName, fs.ErrExist)
	}
	if err := os.Rename(filepath.Join(dataDir, importDir, fileName), dst); err != nil {
		return fmt.Errorf("archiving %s: %w", fileName, err)
	}
	return nil
}
