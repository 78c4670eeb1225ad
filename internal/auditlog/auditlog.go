// Package auditlog records operator actions in <dir>/logs/operator-log.csv.
package auditlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one row in the operator log.
type Entry struct {
	Timestamp     time.Time
	Operator      string
	Action        string
	AccountID     string
	Amount        decimal.Decimal
	TransactionID string
}

// Header is the CSV header for operator-log.csv.
const Header = "timestamp,operator,action,account,amount,transaction_id"

// ActionDistribute is logged for every operator fund distribution.
const ActionDistribute = "distribute"

const (
	numFields   = 6
	logDir      = "logs"
	logFile     = "logs/operator-log.csv"
	colTime     = 0
	colOperator = 1
	colAction   = 2
	colAccount  = 3
	colAmount   = 4
	colTxnID    = 5
)

// MarshalEntry converts an Entry to a CSV row.
func MarshalEntry(e Entry) []string {
	row := make([]string, numFields)
	row[colTime] = e.Timestamp.UTC().Format(time.RFC3339)
	row[colOperator] = e.Operator
	row[colAction] = e.Action
	row[colAccount] = e.AccountID
	row[colAmount] = e.Amount.String()
	row[colTxnID] = e.TransactionID
	return row
}

// UnmarshalEntry converts a CSV row to an Entry.
func UnmarshalEntry(record []string) (Entry, error) {
	if len(record) != numFields {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}
	ts, err := time.Parse(time.RFC3339, record[colTime])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing timestamp %q: %w", record[colTime], err)
	}
	amount, err := decimal.NewFromString(record[colAmount])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing amount %q: %w", record[colAmount], err)
	}
	return Entry{
		Timestamp:     ts,
		Operator:      record[colOperator],
		Action:        record[colAction],
		AccountID:     record[colAccount],
		Amount:        amount,
		TransactionID: record[colTxnID],
	}, nil
}

// Log appends to the operator log under a data directory. It is safe for
// concurrent use within one process.
type Log struct {
	dir string
	mu  sync.Mutex
}

// New returns a Log writing below dir.
func New(dir string) *Log {
	return &Log{dir: dir}
}

// Record appends one entry.
func (l *Log) Record(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Append(l.dir, []Entry{e})
}

// Entries returns every recorded entry.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Read(l.dir)
}

// Append writes entries to <dir>/logs/operator-log.csv, creating the file and header if needed.
func Append(dir string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Join(dir, logDir), 0o755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}

	path := filepath.Join(dir, logFile)
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening operator log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if needsHeader {
		if err := cw.Write(strings.Split(Header, ",")); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i, e := range entries {
		if err := cw.Write(MarshalEntry(e)); err != nil {
			return fmt.Errorf("writing entry %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read returns all entries from <dir>/logs/operator-log.csv.
// Returns an empty slice if the file does not exist.
func Read(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, logFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening operator log: %w", err)
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading operator log CSV: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	var entries []Entry
	for i, rec := range records[1:] {
		e, err := UnmarshalEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
