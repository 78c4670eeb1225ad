package redisstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
	"github.com/alfalak/ledger/internal/store/storetest"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := Connect(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, rdb.Close())

	mr.Close()
	_, err = Connect(context.Background(), Options{Addr: mr.Addr()})
	assert.Error(t, err)
}

func TestKeysLayout(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	acct := model.NewAccount("SOVEREIGN-ID-RDS001", time.Now())
	require.NoError(t, s.Create(ctx, acct))

	next, txn, err := ledger.WithDeposit(acct, ledger.DepositParams{Amount: decimal.NewFromInt(40), Method: "wire", At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, store.Commit{AccountID: acct.ID, ExpectedVersion: 0, Next: next, Append: txn}))

	assert.Equal(t, "1", mr.HGet(keyAccount(acct.ID), "version"))
	items, err := mr.List(keyLog(acct.ID))
	require.NoError(t, err)
	assert.Len(t, items, 1)
	members, err := mr.Members(keyIndex)
	require.NoError(t, err)
	assert.Equal(t, []string{acct.ID}, members)
}

func TestCorruptLogIsAnError(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	acct := model.NewAccount("SOVEREIGN-ID-RDS002", time.Now())
	require.NoError(t, s.Create(ctx, acct))

	mr.HSet(keyAccount(acct.ID), "version", "3")
	_, err := s.Get(ctx, acct.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log has 0 entries")
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	acct := model.NewAccount("SOVEREIGN-ID-RDS004", time.Now())
	require.NoError(t, s.Create(ctx, acct))

	doc := mr.HGet(keyAccount(acct.ID), "doc")
	mr.HSet(keyAccount(acct.ID), "doc", strings.Replace(doc, "{", `{"bonus":"1",`, 1))
	_, err := s.Get(ctx, acct.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown field "bonus"`)
}

// A create that cannot update the index writes nothing at all.
func TestCreateIndexFailureLeavesNoAccount(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(keyIndex, "not-a-set"))

	acct := model.NewAccount("SOVEREIGN-ID-RDS005", time.Now())
	require.Error(t, s.Create(ctx, acct))
	assert.False(t, mr.Exists(keyAccount(acct.ID)))

	mr.Del(keyIndex)
	require.NoError(t, s.Create(ctx, acct))
	accts, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, acct.ID, accts[0].ID)
}

func TestSubscribe(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acct := model.NewAccount("SOVEREIGN-ID-RDS003", time.Now())
	require.NoError(t, s.Create(ctx, acct))

	ch, err := s.Subscribe(ctx, acct.ID)
	require.NoError(t, err)

	next, txn, err := ledger.WithDeposit(acct, ledger.DepositParams{Amount: decimal.NewFromInt(7), Method: "wire", At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, store.Commit{AccountID: acct.ID, ExpectedVersion: 0, Next: next, Append: txn}))

	select {
	case got := <-ch:
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(7)))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Subscribe(context.Background(), "SOVEREIGN-ID-NONE00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
