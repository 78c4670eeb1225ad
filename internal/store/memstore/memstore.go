// Package memstore is an in-process Store, used by tests and the
// single-process "memory" backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

// Store keeps accounts in memory behind a mutex.
type Store struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	subs     map[string]map[chan model.Account]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]model.Account),
		subs:     make(map[string]map[chan model.Account]struct{}),
	}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, accountID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
	}
	return a.Clone(), nil
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, a model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrExists, a.ID)
	}
	s.accounts[a.ID] = a.Clone()
	return nil
}

// Commit implements store.Store.
func (s *Store) Commit(_ context.Context, c store.Commit) error {
	if err := store.CheckCommit(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[c.AccountID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, c.AccountID)
	}
	if cur.Version != c.ExpectedVersion {
		return store.ErrConflict
	}

	next := cur.Clone()
	next.CashBalance = c.Next.CashBalance
	next.PrincipalInvested = c.Next.PrincipalInvested
	next.SectorBalances = c.Next.Clone().SectorBalances
	next.Transactions = append(next.Transactions, c.Append.Clone())
	next.Version = c.Next.Version
	s.accounts[c.AccountID] = next

	for ch := range s.subs[c.AccountID] {
		notify(ch, next.Clone())
	}
	return nil
}

// notify replaces any unread snapshot so slow readers only see the latest.
func notify(ch chan model.Account, a model.Account) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- a:
	default:
	}
}

// List implements store.Store.
func (s *Store) List(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Subscribe implements store.Subscriber.
func (s *Store) Subscribe(ctx context.Context, accountID string) (<-chan model.Account, error) {
	s.mu.Lock()
	if _, ok := s.accounts[accountID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
	}
	ch := make(chan model.Account, 1)
	if s.subs[accountID] == nil {
		s.subs[accountID] = make(map[chan model.Account]struct{})
	}
	s.subs[accountID][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[accountID], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }
