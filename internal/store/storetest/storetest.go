// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateTwice", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("CommitRoundTrip", func(t *testing.T) { testCommitRoundTrip(t, newStore(t)) })
	t.Run("StaleCommit", func(t *testing.T) { testStaleCommit(t, newStore(t)) })
	t.Run("CommitMissing", func(t *testing.T) { testCommitMissing(t, newStore(t)) })
	t.Run("ConcurrentCommits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
}

func newAccount(id string) model.Account {
	return model.NewAccount(id, t0)
}

func deposit(t *testing.T, a model.Account, amount string) store.Commit {
	t.Helper()
	next, txn, err := ledger.WithDeposit(a, ledger.DepositParams{
		Amount:            decimal.RequireFromString(amount),
		Method:            "wire",
		ExternalReference: "REF-00000001",
		Status:            model.StatusPending,
		IdempotencyKey:    "key-" + amount,
		At:                t0.Add(time.Duration(len(a.Transactions)) * time.Minute),
	})
	require.NoError(t, err)
	return store.Commit{AccountID: a.ID, ExpectedVersion: a.Version, Next: next, Append: txn}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "SOVEREIGN-ID-NOPE00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newAccount("SOVEREIGN-ID-AAAAAA")))

	got, err := s.Get(ctx, "SOVEREIGN-ID-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "SOVEREIGN-ID-AAAAAA", got.ID)
	assert.True(t, got.CashBalance.IsZero())
	assert.Len(t, got.SectorBalances, len(model.Sectors()))
	assert.Empty(t, got.Transactions)
	assert.Equal(t, int64(0), got.Version)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func testCreateTwice(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newAccount("SOVEREIGN-ID-AAAAAA")))
	err := s.Create(ctx, newAccount("SOVEREIGN-ID-AAAAAA"))
	assert.ErrorIs(t, err, store.ErrExists)
}

func testCommitRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount("SOVEREIGN-ID-AAAAAA")
	require.NoError(t, s.Create(ctx, acct))

	c := deposit(t, acct, "1000.50")
	require.NoError(t, s.Commit(ctx, c))

	got, err := s.Get(ctx, acct.ID)
	require.NoError(t, err)
	next, txn, err := ledger.WithAllocation(got, ledger.AllocationParams{
		Split: map[model.Sector]decimal.Decimal{
			model.SectorEnergy:     decimal.RequireFromString("400"),
			model.SectorRealEstate: decimal.RequireFromString("100.25"),
		},
		At: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, store.Commit{AccountID: acct.ID, ExpectedVersion: got.Version, Next: next, Append: txn}))

	got, err = s.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.CashBalance.Equal(decimal.RequireFromString("500.25")), "cash %s", got.CashBalance)
	assert.True(t, got.PrincipalInvested.Equal(decimal.RequireFromString("500.25")))
	assert.True(t, got.SectorBalances[model.SectorEnergy].Equal(decimal.RequireFromString("400")))
	require.Len(t, got.Transactions, 2)

	dep := got.Transactions[0]
	assert.Equal(t, "TX-000001", dep.ID)
	assert.Equal(t, model.KindDeposit, dep.Kind)
	assert.Equal(t, "REF-00000001", dep.ExternalReference)
	assert.Equal(t, model.StatusPending, dep.Status)
	assert.Equal(t, "key-1000.50", dep.IdempotencyKey)
	assert.True(t, dep.Timestamp.Equal(t0))

	alloc := got.Transactions[1]
	assert.Equal(t, model.KindAllocation, alloc.Kind)
	assert.Equal(t, model.StrategyManual, alloc.Strategy)
	assert.True(t, alloc.Split[model.SectorRealEstate].Equal(decimal.RequireFromString("100.25")))
	assert.Empty(t, ledger.Verify(got))
}

func testStaleCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount("SOVEREIGN-ID-AAAAAA")
	require.NoError(t, s.Create(ctx, acct))

	first := deposit(t, acct, "10")
	second := deposit(t, acct, "20") // built from the same snapshot
	require.NoError(t, s.Commit(ctx, first))
	assert.ErrorIs(t, s.Commit(ctx, second), store.ErrConflict)

	got, err := s.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(decimal.RequireFromString("10")))
	assert.Len(t, got.Transactions, 1)
}

func testCommitMissing(t *testing.T, s store.Store) {
	c := deposit(t, newAccount("SOVEREIGN-ID-GHOST0"), "10")
	assert.ErrorIs(t, s.Commit(context.Background(), c), store.ErrNotFound)
}

// testConcurrentCommits races writers that re-read and retry on conflict;
// every delta must land.
func testConcurrentCommits(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount("SOVEREIGN-ID-AAAAAA")
	require.NoError(t, s.Create(ctx, acct))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cur, err := s.Get(ctx, acct.ID)
				if err != nil {
					errs <- err
					return
				}
				next, txn, err := ledger.WithDeposit(cur, ledger.DepositParams{
					Amount: decimal.NewFromInt(5),
					Method: "wire",
					At:     t0,
				})
				if err != nil {
					errs <- err
					return
				}
				err = s.Commit(ctx, store.Commit{AccountID: cur.ID, ExpectedVersion: cur.Version, Next: next, Append: txn})
				if err == nil {
					return
				}
				if !errors.Is(err, store.ErrConflict) {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(5*writers)), "cash %s", got.CashBalance)
	assert.Len(t, got.Transactions, writers)
	assert.Empty(t, ledger.Verify(got))
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newAccount("SOVEREIGN-ID-BBBBBB")))
	require.NoError(t, s.Create(ctx, newAccount("SOVEREIGN-ID-AAAAAA")))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "SOVEREIGN-ID-AAAAAA", got[0].ID)
	assert.Equal(t, "SOVEREIGN-ID-BBBBBB", got[1].ID)
}
