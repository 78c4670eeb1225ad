package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
	"github.com/alfalak/ledger/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestSubscribe(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acct := model.NewAccount("SOVEREIGN-ID-SUB001", time.Now())
	require.NoError(t, s.Create(ctx, acct))

	ch, err := s.Subscribe(ctx, acct.ID)
	require.NoError(t, err)

	next, txn, err := ledger.WithDeposit(acct, ledger.DepositParams{Amount: decimal.NewFromInt(42), Method: "wire", At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, store.Commit{AccountID: acct.ID, Next: next, Append: txn}))

	select {
	case got := <-ch:
		assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(42)))
		assert.Len(t, got.Transactions, 1)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes when ctx is done")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestSubscribeMissing(t *testing.T) {
	_, err := New().Subscribe(context.Background(), "SOVEREIGN-ID-NOPE00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, model.NewAccount("SOVEREIGN-ID-COPY00", time.Now())))

	a, err := s.Get(ctx, "SOVEREIGN-ID-COPY00")
	require.NoError(t, err)
	a.SectorBalances[model.SectorEnergy] = decimal.NewFromInt(9)

	b, err := s.Get(ctx, "SOVEREIGN-ID-COPY00")
	require.NoError(t, err)
	assert.True(t, b.SectorBalances[model.SectorEnergy].IsZero())
}
