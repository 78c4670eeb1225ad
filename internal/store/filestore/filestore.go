// Package filestore keeps each account as a directory of plain files:
//
//	<root>/accounts/<id>/account.yaml      balances projection + version
//	<root>/accounts/<id>/transactions.csv  append-only log
//
// A commit appends the log row first and then replaces account.yaml. A crash
// between the two leaves a log longer than the projection, which Get repairs
// by replaying the log.
//
// Writers hold an exclusive flock on <root>/accounts/<id>.lock from the
// version check to the projection rename, so separate processes sharing a
// directory still commit one at a time. Readers take the shared lock.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

const (
	accountsDir     = "accounts"
	projectionFile  = "account.yaml"
	transactionFile = "transactions.csv"
	lockSuffix      = ".lock"
	lockRetry       = 5 * time.Millisecond
)

// Store is a file-backed store.Store. Any number of Stores, in any number
// of processes, may share one directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, accountsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating accounts dir: %w", err)
	}
	return &Store{root: dir}, nil
}

type projection struct {
	ID                string            `yaml:"id"`
	CreatedAt         time.Time         `yaml:"created_at"`
	CashBalance       string            `yaml:"cash_balance"`
	SectorBalances    map[string]string `yaml:"sector_balances"`
	PrincipalInvested string            `yaml:"principal_invested"`
	Version           int64             `yaml:"version"`
}

func (s *Store) accountDir(id string) string {
	return filepath.Join(s.root, accountsDir, id)
}

// lock takes the account's lock file, shared or exclusive, and returns the
// release func.
func (s *Store) lock(ctx context.Context, accountID string, exclusive bool) (func(), error) {
	fl := flock.New(filepath.Join(s.root, accountsDir, accountID+lockSuffix))
	var ok bool
	var err error
	if exclusive {
		ok, err = fl.TryLockContext(ctx, lockRetry)
	} else {
		ok, err = fl.TryRLockContext(ctx, lockRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("locking account %s: %w", accountID, err)
	}
	if !ok {
		return nil, fmt.Errorf("locking account %s: %w", accountID, ctx.Err())
	}
	return func() { fl.Unlock() }, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, accountID string) (model.Account, error) {
	if !id.ValidAccountID(accountID) {
		return model.Account{}, fmt.Errorf("%w: %q", store.ErrNotFound, accountID)
	}
	unlock, err := s.lock(ctx, accountID, false)
	if err != nil {
		return model.Account{}, err
	}
	defer unlock()
	return s.load(accountID)
}

// load reads an account; the caller holds its lock.
func (s *Store) load(accountID string) (model.Account, error) {
	dir := s.accountDir(accountID)
	data, err := os.ReadFile(filepath.Join(dir, projectionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Account{}, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("reading projection: %w", err)
	}
	acct, err := decodeProjection(data)
	if err != nil {
		return model.Account{}, fmt.Errorf("account %s: %w", accountID, err)
	}

	f, err := os.Open(filepath.Join(dir, transactionFile))
	if err != nil {
		return model.Account{}, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()
	txns, err := ReadTransactions(f)
	if err != nil {
		return model.Account{}, fmt.Errorf("account %s: %w", accountID, err)
	}

	switch {
	case int64(len(txns)) == acct.Version:
		acct.Transactions = append([]model.Transaction{}, txns...)
		return acct, nil
	case int64(len(txns)) > acct.Version:
		// Interrupted commit: the log is ahead of the projection.
		return ledger.Replay(acct.ID, acct.CreatedAt, txns)
	default:
		return model.Account{}, fmt.Errorf("account %s: log has %d entries, projection expects %d", accountID, len(txns), acct.Version)
	}
}

// Create implements store.Store. The account directory is assembled under a
// temporary name and renamed into place, so it appears complete or not at all.
func (s *Store) Create(ctx context.Context, a model.Account) error {
	if !id.ValidAccountID(a.ID) {
		return fmt.Errorf("invalid account id %q", a.ID)
	}
	unlock, err := s.lock(ctx, a.ID, true)
	if err != nil {
		return err
	}
	defer unlock()

	dir := s.accountDir(a.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", store.ErrExists, a.ID)
	}

	tmp, err := os.MkdirTemp(filepath.Join(s.root, accountsDir), ".create-")
	if err != nil {
		return fmt.Errorf("creating account dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	if err := os.Chmod(tmp, 0o755); err != nil {
		return fmt.Errorf("creating account dir: %w", err)
	}

	f, err := os.Create(filepath.Join(tmp, transactionFile))
	if err != nil {
		return fmt.Errorf("creating log: %w", err)
	}
	if err := WriteHeader(f); err != nil {
		f.Close()
		return err
	}
	if err := AppendTransactions(f, a.Transactions); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	if err := writeProjection(tmp, a); err != nil {
		return err
	}

	if err := os.Rename(tmp, dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", store.ErrExists, a.ID)
		}
		return fmt.Errorf("creating account dir: %w", err)
	}
	return nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := store.CheckCommit(c); err != nil {
		return err
	}
	if !id.ValidAccountID(c.AccountID) {
		return fmt.Errorf("%w: %q", store.ErrNotFound, c.AccountID)
	}
	unlock, err := s.lock(ctx, c.AccountID, true)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := s.load(c.AccountID)
	if err != nil {
		return err
	}
	if cur.Version != c.ExpectedVersion {
		return store.ErrConflict
	}

	path := filepath.Join(s.accountDir(c.AccountID), transactionFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	if err := AppendTransactions(f, []model.Transaction{c.Append}); err != nil {
		f.Close()
		return fmt.Errorf("appending transaction: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}

	next := c.Next
	next.CreatedAt = cur.CreatedAt
	return writeProjection(s.accountDir(c.AccountID), next)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]model.Account, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, accountsDir))
	if err != nil {
		return nil, fmt.Errorf("reading accounts dir: %w", err)
	}
	var out []model.Account
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		a, err := s.Get(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// writeProjection replaces dir/account.yaml through a uniquely named temp
// file in the same directory.
func writeProjection(dir string, a model.Account) error {
	p := projection{
		ID:                a.ID,
		CreatedAt:         a.CreatedAt.UTC(),
		CashBalance:       a.CashBalance.String(),
		SectorBalances:    make(map[string]string, len(model.Sectors())),
		PrincipalInvested: a.PrincipalInvested.String(),
		Version:           a.Version,
	}
	for _, sec := range model.Sectors() {
		p.SectorBalances[string(sec)] = a.SectorBalances[sec].String()
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling projection: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".account-*.yaml")
	if err != nil {
		return fmt.Errorf("writing projection: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing projection: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing projection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing projection: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("writing projection: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, projectionFile)); err != nil {
		return fmt.Errorf("replacing projection: %w", err)
	}
	return nil
}

func decodeProjection(data []byte) (model.Account, error) {
	var p projection
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return model.Account{}, fmt.Errorf("parsing projection: %w", err)
	}

	cash, err := decimal.NewFromString(p.CashBalance)
	if err != nil {
		return model.Account{}, fmt.Errorf("parsing cash_balance %q: %w", p.CashBalance, err)
	}
	principal, err := decimal.NewFromString(p.PrincipalInvested)
	if err != nil {
		return model.Account{}, fmt.Errorf("parsing principal_invested %q: %w", p.PrincipalInvested, err)
	}

	acct := model.NewAccount(p.ID, p.CreatedAt)
	acct.CashBalance = cash
	acct.PrincipalInvested = principal
	acct.Version = p.Version
	for name, value := range p.SectorBalances {
		sec, err := model.ParseSector(name)
		if err != nil {
			return model.Account{}, fmt.Errorf("parsing sector_balances: %w", err)
		}
		amt, err := decimal.NewFromString(value)
		if err != nil {
			return model.Account{}, fmt.Errorf("parsing %s balance %q: %w", name, value, err)
		}
		acct.SectorBalances[sec] = amt
	}
	for _, sec := range model.Sectors() {
		if _, ok := p.SectorBalances[string(sec)]; !ok {
			return model.Account{}, fmt.Errorf("sector_balances missing %s", sec)
		}
	}
	return acct, nil
}
