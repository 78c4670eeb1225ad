package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfalak/ledger/internal/accrual"
	"github.com/alfalak/ledger/internal/auditlog"
	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
	"github.com/alfalak/ledger/internal/store/memstore"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (r *recordingAuditor) Record(_ context.Context, e auditlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEngine(t *testing.T, s store.Store, opts Options) (*Engine, *clock) {
	t.Helper()
	c := &clock{now: t0}
	if opts.Now == nil {
		opts.Now = c.Now
	}
	opts.Log = quietLogger()
	e, err := New(s, opts)
	require.NoError(t, err)
	return e, c
}

func setup(t *testing.T) (*Engine, *memstore.Store, *clock, string) {
	t.Helper()
	s := memstore.New()
	e, c := newEngine(t, s, Options{})
	a, err := e.CreateAccount(context.Background())
	require.NoError(t, err)
	return e, s, c, a.ID
}

func deposit(t *testing.T, e *Engine, accountID, amount string) model.Transaction {
	t.Helper()
	txn, err := e.RecordDeposit(context.Background(), accountID, DepositRequest{Amount: dec(amount), Method: "local"})
	require.NoError(t, err)
	return txn
}

func TestCreateAccount(t *testing.T) {
	e, _, _, accountID := setup(t)
	assert.True(t, id.ValidAccountID(accountID), accountID)

	a, err := e.Account(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.IsZero())
	assert.Len(t, a.SectorBalances, len(model.Sectors()))
	assert.True(t, a.CreatedAt.Equal(t0))
}

func TestRecordDeposit(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()
	deposit(t, e, accountID, "500")

	txn, err := e.RecordDeposit(ctx, accountID, DepositRequest{
		Amount:            dec("1250.75"),
		Method:            "wire",
		ExternalReference: "SWIFT-REF-0001",
		Status:            model.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, "TX-000002", txn.ID)
	assert.True(t, txn.IsPending())

	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(dec("1750.75")), a.CashBalance.String())
	last := a.Transactions[len(a.Transactions)-1]
	assert.Equal(t, model.KindDeposit, last.Kind)
	assert.True(t, last.Amount.Equal(dec("1250.75")))
	assert.Empty(t, ledger.Verify(a))
}

func TestRecordDeposit_Invalid(t *testing.T) {
	tests := []struct {
		name string
		req  DepositRequest
		want error
	}{
		{"zero", DepositRequest{Amount: decimal.Zero, Method: "wire"}, ledger.ErrInvalidAmount},
		{"negative", DepositRequest{Amount: dec("-5"), Method: "wire"}, ledger.ErrInvalidAmount},
		{"no method", DepositRequest{Amount: dec("5"), Method: "  "}, ledger.ErrInvalidMethod},
		{"short reference", DepositRequest{Amount: dec("5"), Method: "wire", ExternalReference: "ABC"}, ledger.ErrInvalidReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, accountID := setup(t)
			_, err := e.RecordDeposit(context.Background(), accountID, tt.req)
			assert.ErrorIs(t, err, tt.want)

			a, err := e.Account(context.Background(), accountID)
			require.NoError(t, err)
			assert.Empty(t, a.Transactions)
			assert.Equal(t, int64(0), a.Version)
		})
	}
}

func TestUnknownAccount(t *testing.T) {
	e, _, _, _ := setup(t)
	ctx := context.Background()
	const missing = "SOVEREIGN-ID-ZZZZZZ"

	_, err := e.RecordDeposit(ctx, missing, DepositRequest{Amount: dec("1"), Method: "wire"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = e.AutoAllocate(ctx, missing)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = e.ManualAllocate(ctx, missing, map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("1")})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = e.DistributeFunds(ctx, missing, dec("1"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = e.Valuation(ctx, missing)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestManualAllocate(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()
	deposit(t, e, accountID, "1000")

	txn, err := e.ManualAllocate(ctx, accountID, map[model.Sector]decimal.Decimal{
		model.SectorEnergy:       dec("300"),
		model.SectorFrontierTech: dec("200.50"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StrategyManual, txn.Strategy)
	assert.True(t, txn.Amount.Equal(dec("500.50")))

	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(dec("499.50")))
	assert.True(t, a.PrincipalInvested.Equal(dec("500.50")))
	assert.True(t, a.SectorBalances[model.SectorEnergy].Equal(dec("300")))
	assert.True(t, a.SectorBalances[model.SectorFrontierTech].Equal(dec("200.50")))
	assert.True(t, a.SectorBalances[model.SectorRealEstate].IsZero())
}

func TestManualAllocate_SingleSectorLabel(t *testing.T) {
	e, _, _, accountID := setup(t)
	deposit(t, e, accountID, "100")

	txn, err := e.ManualAllocate(context.Background(), accountID, map[model.Sector]decimal.Decimal{model.SectorOrbitalEconomy: dec("40")})
	require.NoError(t, err)
	assert.Equal(t, model.Strategy(model.SectorOrbitalEconomy), txn.Strategy)
}

func TestManualAllocate_FailuresLeaveAccountUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		split map[model.Sector]decimal.Decimal
		want  error
	}{
		{"exceeds cash", map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("600"), model.SectorTransition: dec("400.01")}, ledger.ErrInsufficientLiquidCapital},
		{"unknown sector", map[model.Sector]decimal.Decimal{"crypto": dec("1")}, ledger.ErrUnknownSector},
		{"negative amount", map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("-1")}, ledger.ErrInvalidAmount},
		{"all zero", map[model.Sector]decimal.Decimal{model.SectorEnergy: decimal.Zero}, ledger.ErrInvalidAmount},
		{"empty", map[model.Sector]decimal.Decimal{}, ledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, accountID := setup(t)
			ctx := context.Background()
			deposit(t, e, accountID, "1000")
			before, err := e.Account(ctx, accountID)
			require.NoError(t, err)

			_, err = e.ManualAllocate(ctx, accountID, tt.split)
			assert.ErrorIs(t, err, tt.want)

			after, err := e.Account(ctx, accountID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestAutoAllocate_Scenario(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()

	deposit(t, e, accountID, "100000")
	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(dec("100000")))

	txn, err := e.AutoAllocate(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyAuto, txn.Strategy)

	a, err = e.Account(ctx, accountID)
	require.NoError(t, err)
	want := map[model.Sector]string{
		model.SectorEnergy:         "25000",
		model.SectorTransition:     "15000",
		model.SectorFrontierTech:   "10000",
		model.SectorRealEstate:     "40000",
		model.SectorOrbitalEconomy: "10000",
	}
	for s, amt := range want {
		assert.True(t, a.SectorBalances[s].Equal(dec(amt)), "%s = %s", s, a.SectorBalances[s])
	}
	assert.True(t, a.CashBalance.IsZero())
	assert.True(t, a.PrincipalInvested.Equal(dec("100000")))
	assert.Empty(t, ledger.Verify(a))
}

func TestAutoAllocate_NoCash(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()

	_, err := e.AutoAllocate(ctx, accountID)
	assert.ErrorIs(t, err, ledger.ErrNoLiquidCapital)

	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.Empty(t, a.Transactions)
	assert.True(t, a.PrincipalInvested.IsZero())
}

func TestAutoAllocate_OddAmountSumsExactly(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()
	deposit(t, e, accountID, "1234.57")

	txn, err := e.AutoAllocate(ctx, accountID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, v := range txn.Split {
		sum = sum.Add(v)
	}
	assert.True(t, sum.Equal(dec("1234.57")), sum.String())
}

// Two writers each ask for 60% of the same cash balance; the store's
// compare-and-swap forces the loser to re-read and fail validation.
func TestConcurrentManualAllocations(t *testing.T) {
	for round := 0; round < 20; round++ {
		e, _, _, accountID := setup(t)
		ctx := context.Background()
		deposit(t, e, accountID, "100000")

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			failures  = make(chan error, 2)
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.ManualAllocate(ctx, accountID, map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("60000")})
				if err == nil {
					successes.Add(1)
					return
				}
				failures <- err
			}()
		}
		wg.Wait()
		close(failures)

		assert.Equal(t, int32(1), successes.Load())
		for err := range failures {
			assert.ErrorIs(t, err, ledger.ErrInsufficientLiquidCapital)
		}

		a, err := e.Account(ctx, accountID)
		require.NoError(t, err)
		assert.True(t, a.CashBalance.Equal(dec("40000")), a.CashBalance.String())
		assert.False(t, a.CashBalance.IsNegative())
		assert.Empty(t, ledger.Verify(a))
	}
}

func TestConcurrentDepositsAllLand(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, memstore.New(), Options{MaxRetries: 100})
	acct, err := e.CreateAccount(ctx)
	require.NoError(t, err)
	accountID := acct.ID

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RecordDeposit(ctx, accountID, DepositRequest{Amount: dec("10"), Method: "wire"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(dec("160")), a.CashBalance.String())
	assert.Len(t, a.Transactions, writers)
	assert.Empty(t, ledger.Verify(a))
}

// conflictStore rejects every commit as stale.
type conflictStore struct {
	store.Store
	commits atomic.Int32
}

func (c *conflictStore) Commit(context.Context, store.Commit) error {
	c.commits.Add(1)
	return store.ErrConflict
}

func TestRetriesExhausted(t *testing.T) {
	mem := memstore.New()
	acct := model.NewAccount("SOVEREIGN-ID-CONF01", t0)
	require.NoError(t, mem.Create(context.Background(), acct))
	cs := &conflictStore{Store: mem}

	e, _ := newEngine(t, cs, Options{MaxRetries: 3})
	_, err := e.RecordDeposit(context.Background(), acct.ID, DepositRequest{Amount: dec("1"), Method: "wire"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrConcurrentWriteConflict)
	assert.Equal(t, int32(4), cs.commits.Load())
}

// brokenStore fails every call.
type brokenStore struct{ store.Store }

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) (model.Account, error) {
	return model.Account{}, errDown
}

func TestStoreUnavailable(t *testing.T) {
	e, _ := newEngine(t, brokenStore{Store: memstore.New()}, Options{})
	_, err := e.RecordDeposit(context.Background(), "SOVEREIGN-ID-DOWN01", DepositRequest{Amount: dec("1"), Method: "wire"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDown)
}

func TestCanceledContext(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.RecordDeposit(ctx, accountID, DepositRequest{Amount: dec("1"), Method: "wire"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdempotency(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx := context.Background()

	req := DepositRequest{Amount: dec("250"), Method: "wire", IdempotencyKey: "dep-1"}
	first, err := e.RecordDeposit(ctx, accountID, req)
	require.NoError(t, err)
	second, err := e.RecordDeposit(ctx, accountID, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	a1, err := e.AutoAllocate(ctx, accountID, WithIdempotencyKey("auto-1"))
	require.NoError(t, err)
	a2, err := e.AutoAllocate(ctx, accountID, WithIdempotencyKey("auto-1"))
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)

	a, err := e.Account(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, a.Transactions, 2)
	assert.True(t, a.PrincipalInvested.Equal(dec("250")))

	_, err = e.ManualAllocate(ctx, accountID, map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("1")}, WithIdempotencyKey("dep-1"))
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
	_, err = e.DistributeFunds(ctx, accountID, dec("1"), WithIdempotencyKey("auto-1"))
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
}

func TestDistributeFunds(t *testing.T) {
	s := memstore.New()
	auditor := &recordingAuditor{}
	e, c := newEngine(t, s, Options{Auditor: auditor})
	ctx := context.Background()
	a, err := e.CreateAccount(ctx)
	require.NoError(t, err)
	deposit(t, e, a.ID, "50")

	c.Advance(time.Hour)
	res, err := e.DistributeFunds(ctx, a.ID, dec("10000"), WithOperator("ops"), WithIdempotencyKey("dist-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StrategyOperator, res.Transaction.Strategy)
	assert.True(t, res.Transaction.Amount.Equal(dec("10000")))
	total := decimal.Zero
	for _, v := range res.SectorBalances {
		assert.False(t, v.IsNegative())
		total = total.Add(v)
	}
	assert.True(t, total.Equal(dec("10000")), total.String())
	assert.True(t, res.LiveValue.Equal(dec("10050")), "no time has passed since the distribution")

	got, err := e.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(dec("50")), "cash is untouched")
	assert.True(t, got.PrincipalInvested.Equal(dec("10000")))
	assert.Empty(t, ledger.Verify(got))

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, "ops", auditor.entries[0].Operator)
	assert.Equal(t, res.Transaction.ID, auditor.entries[0].TransactionID)

	// A replayed key returns the same transaction and is not audited twice.
	again, err := e.DistributeFunds(ctx, a.ID, dec("10000"), WithIdempotencyKey("dist-1"))
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, again.Transaction.ID)
	assert.Len(t, auditor.entries, 1)
}

type failingAuditor struct{}

func (failingAuditor) Record(context.Context, auditlog.Entry) error {
	return errors.New("disk full")
}

// The distribution is already committed when the audit write fails, so the
// caller still gets the result and the failure is logged.
func TestDistributeFunds_AuditFailureIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	e, err := New(memstore.New(), Options{Auditor: failingAuditor{}, Now: func() time.Time { return t0 }, Log: log})
	require.NoError(t, err)
	ctx := context.Background()
	a, err := e.CreateAccount(ctx)
	require.NoError(t, err)

	res, err := e.DistributeFunds(ctx, a.ID, dec("500"), WithOperator("ops"))
	require.NoError(t, err)
	assert.True(t, res.Transaction.Amount.Equal(dec("500")))

	got, err := e.Account(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, res.Transaction.ID, got.Transactions[0].ID)

	var logged *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			logged = entry
		}
	}
	require.NotNil(t, logged, "audit failure must be logged")
	assert.Equal(t, "audit log write failed", logged.Message)
	assert.Equal(t, res.Transaction.ID, logged.Data["txn"])
	assert.EqualError(t, logged.Data[logrus.ErrorKey].(error), "disk full")
}

func TestDistributeFunds_InvalidAmount(t *testing.T) {
	e, _, _, accountID := setup(t)
	_, err := e.DistributeFunds(context.Background(), accountID, decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = e.DistributeFunds(context.Background(), accountID, dec("-3"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestValuation(t *testing.T) {
	e, _, c, accountID := setup(t)
	ctx := context.Background()
	deposit(t, e, accountID, "2000")
	_, err := e.ManualAllocate(ctx, accountID, map[model.Sector]decimal.Decimal{model.SectorEnergy: dec("1000")})
	require.NoError(t, err)

	v, err := e.Valuation(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, v.Total.Equal(dec("2000")), v.Total.String())

	// One full accrual month at 24% grows the 1000 allocated by 240.
	c.Advance(accrual.SecondsPerMonth * time.Second)
	v, err = e.Valuation(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, v.Total.Equal(dec("2240")), v.Total.String())
	assert.True(t, v.Cash.Equal(dec("1000")))

	// Cash does not accrue: a fresh deposit adds exactly its amount.
	deposit(t, e, accountID, "500")
	c.Advance(24 * time.Hour)
	before, err := e.Valuation(ctx, accountID)
	require.NoError(t, err)
	deposit(t, e, accountID, "300")
	after, err := e.Valuation(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, after.Total.Sub(before.Total).Equal(dec("300")))
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	e, _, c, accountID := setup(t)
	deposit(t, e, accountID, "10")
	c.Advance(-time.Hour)
	txn := deposit(t, e, accountID, "10")
	assert.True(t, txn.Timestamp.Equal(t0))

	v, err := e.Verify(context.Background(), accountID)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestWatch(t *testing.T) {
	e, _, _, accountID := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := e.Watch(ctx, accountID)
	require.NoError(t, err)
	deposit(t, e, accountID, "42")

	select {
	case a := <-ch:
		assert.True(t, a.CashBalance.Equal(dec("42")))
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	_, err = e.Watch(ctx, "SOVEREIGN-ID-NONE00")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestWatchUnsupported(t *testing.T) {
	e, _ := newEngine(t, brokenStore{Store: memstore.New()}, Options{})
	_, err := e.Watch(context.Background(), "SOVEREIGN-ID-ANY000")
	assert.ErrorIs(t, err, ErrWatchUnsupported)
}

func TestNew_Defaults(t *testing.T) {
	e, err := New(memstore.New(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, e.maxRetries)
	assert.True(t, e.calc.MonthlyRate.Equal(accrual.DefaultMonthlyRate))

	_, err = New(memstore.New(), Options{MaxRetries: -1})
	assert.Error(t, err)
}
