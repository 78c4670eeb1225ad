// Package engine is the write path of the ledger. Every operation reads the
// account, validates against that snapshot, and commits exactly one log
// entry with a compare-and-swap on the account version, retrying when
// another writer got there first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/alfalak/ledger/internal/accrual"
	"github.com/alfalak/ledger/internal/auditlog"
	"github.com/alfalak/ledger/internal/distribution"
	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/logger"
	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

var (
	// ErrAccountNotFound reports an unknown account ID.
	ErrAccountNotFound = errors.New("account not found")
	// ErrStoreUnavailable reports a store failure or exhausted conflict retries.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConcurrentWriteConflict is the store's stale-version error.
	ErrConcurrentWriteConflict = store.ErrConflict
	// ErrIdempotencyKeyReused reports a key already used by a different kind of operation.
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for a different operation")
	// ErrWatchUnsupported reports a store that cannot push changes.
	ErrWatchUnsupported = errors.New("store does not support watching accounts")
)

// DefaultMaxRetries bounds conflict retries when Options.MaxRetries is zero.
const DefaultMaxRetries = 5

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, e auditlog.Entry) error
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	MaxRetries int
	Calculator *accrual.Calculator
	Auto       distribution.Policy // auto-allocate split, default fixed 25/15/10/40/10
	Random     distribution.Policy // operator distribution split, default weighted random
	Auditor    Auditor
	Now        func() time.Time
	Log        logrus.FieldLogger
}

// Engine applies deposits, allocations and distributions to a Store.
type Engine struct {
	store      store.Store
	maxRetries int
	calc       accrual.Calculator
	auto       distribution.Policy
	random     distribution.Policy
	auditor    Auditor
	now        func() time.Time
	log        logrus.FieldLogger
}

// New returns an Engine writing to s.
func New(s store.Store, opts Options) (*Engine, error) {
	e := &Engine{
		store:      s,
		maxRetries: opts.MaxRetries,
		auto:       opts.Auto,
		random:     opts.Random,
		auditor:    opts.Auditor,
		now:        opts.Now,
		log:        opts.Log,
	}
	if e.maxRetries == 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.maxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", e.maxRetries)
	}
	if opts.Calculator != nil {
		e.calc = *opts.Calculator
	} else {
		e.calc = accrual.Calculator{MonthlyRate: accrual.DefaultMonthlyRate}
	}
	if e.auto == nil {
		fixed, err := distribution.NewFixed(distribution.DefaultShares())
		if err != nil {
			return nil, err
		}
		e.auto = fixed
	}
	if e.random == nil {
		e.random = distribution.NewWeightedRandom(nil)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = logger.L()
	}
	return e, nil
}

// CallOption modifies a single engine call.
type CallOption func(*callOptions)

type callOptions struct {
	idempotencyKey string
	operator       string
}

// WithIdempotencyKey makes the call a no-op returning the earlier result
// when key already appears in the account log.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}

// WithOperator names the operator recorded in the audit log.
func WithOperator(name string) CallOption {
	return func(o *callOptions) { o.operator = name }
}

func collect(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// CreateAccount stores a new account with a fresh ID and zero balances.
func (e *Engine) CreateAccount(ctx context.Context) (model.Account, error) {
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		a := model.NewAccount(id.NewAccountID(), e.now())
		err := e.store.Create(ctx, a)
		if err == nil {
			e.log.WithField("account", a.ID).Info("account created")
			return a, nil
		}
		if !errors.Is(err, store.ErrExists) {
			return model.Account{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return model.Account{}, fmt.Errorf("%w: could not allocate a free account ID", ErrStoreUnavailable)
}

// Account returns the latest snapshot of an account.
func (e *Engine) Account(ctx context.Context, accountID string) (model.Account, error) {
	a, err := e.store.Get(ctx, accountID)
	if err != nil {
		return model.Account{}, mapStoreErr(accountID, err)
	}
	return a, nil
}

// Accounts returns every account ordered by ID.
func (e *Engine) Accounts(ctx context.Context) ([]model.Account, error) {
	as, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return as, nil
}

// Valuation returns the live value breakdown of an account at the current time.
func (e *Engine) Valuation(ctx context.Context, accountID string) (accrual.Valuation, error) {
	a, err := e.Account(ctx, accountID)
	if err != nil {
		return accrual.Valuation{}, err
	}
	return e.calc.Valuate(a, e.now()), nil
}

// Verify checks an account's projection against its log.
func (e *Engine) Verify(ctx context.Context, accountID string) ([]ledger.ValidationError, error) {
	a, err := e.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return ledger.Verify(a), nil
}

// Watch streams snapshots of an account after each commit until ctx is done.
func (e *Engine) Watch(ctx context.Context, accountID string) (<-chan model.Account, error) {
	sub, ok := e.store.(store.Subscriber)
	if !ok {
		return nil, ErrWatchUnsupported
	}
	ch, err := sub.Subscribe(ctx, accountID)
	if err != nil {
		return nil, mapStoreErr(accountID, err)
	}
	return ch, nil
}

// WatchValuations streams the account's valuation once on subscribe and
// again after every commit. The channel closes when ctx is done.
func (e *Engine) WatchValuations(ctx context.Context, accountID string) (<-chan accrual.Valuation, error) {
	snaps, err := e.Watch(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cur, err := e.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := make(chan accrual.Valuation, 1)
	out <- e.calc.Valuate(cur, e.now())
	go func() {
		defer close(out)
		for a := range snaps {
			select {
			case out <- e.calc.Valuate(a, e.now()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DepositRequest holds the caller's inputs for RecordDeposit.
type DepositRequest struct {
	Amount            decimal.Decimal
	Method            string
	ExternalReference string
	Status            model.DepositStatus
	IdempotencyKey    string
}

// RecordDeposit credits cash and logs a deposit.
func (e *Engine) RecordDeposit(ctx context.Context, accountID string, req DepositRequest) (model.Transaction, error) {
	_, txn, _, err := e.apply(ctx, accountID, "deposit", isDeposit, req.IdempotencyKey,
		func(cur model.Account, at time.Time) (model.Account, model.Transaction, error) {
			return ledger.WithDeposit(cur, ledger.DepositParams{
				Amount:            req.Amount,
				Method:            req.Method,
				ExternalReference: req.ExternalReference,
				Status:            req.Status,
				IdempotencyKey:    req.IdempotencyKey,
				At:                at,
			})
		})
	return txn, err
}

// AutoAllocate deploys the whole cash balance by the fixed split.
func (e *Engine) AutoAllocate(ctx context.Context, accountID string, opts ...CallOption) (model.Transaction, error) {
	o := collect(opts)
	_, txn, _, err := e.apply(ctx, accountID, "auto-allocate", isStrategy(model.StrategyAuto), o.idempotencyKey,
		func(cur model.Account, at time.Time) (model.Account, model.Transaction, error) {
			if !cur.CashBalance.IsPositive() {
				return cur, model.Transaction{}, fmt.Errorf("%w: cash balance is %s", ledger.ErrNoLiquidCapital, cur.CashBalance)
			}
			split, err := e.auto.Split(cur.CashBalance)
			if err != nil {
				return cur, model.Transaction{}, err
			}
			return ledger.WithAllocation(cur, ledger.AllocationParams{
				Split:          split,
				Strategy:       model.StrategyAuto,
				IdempotencyKey: o.idempotencyKey,
				At:             at,
			})
		})
	return txn, err
}

// ManualAllocate moves the given per-sector amounts from cash into sectors.
func (e *Engine) ManualAllocate(ctx context.Context, accountID string, split map[model.Sector]decimal.Decimal, opts ...CallOption) (model.Transaction, error) {
	o := collect(opts)
	if _, _, err := distribution.Manual(split); err != nil {
		return model.Transaction{}, err
	}
	_, txn, _, err := e.apply(ctx, accountID, "manual-allocate", isManual, o.idempotencyKey,
		func(cur model.Account, at time.Time) (model.Account, model.Transaction, error) {
			return ledger.WithAllocation(cur, ledger.AllocationParams{
				Split:          split,
				Strategy:       model.StrategyManual,
				IdempotencyKey: o.idempotencyKey,
				At:             at,
			})
		})
	return txn, err
}

// DistributionResult is the outcome of DistributeFunds.
type DistributionResult struct {
	SectorBalances map[model.Sector]decimal.Decimal
	Transaction    model.Transaction
	LiveValue      decimal.Decimal
}

// DistributeFunds credits sectors directly with a weighted random split of
// amount. The cash balance is not touched. An audit write that fails after
// the commit is logged, not returned: the distribution has already landed.
func (e *Engine) DistributeFunds(ctx context.Context, accountID string, amount decimal.Decimal, opts ...CallOption) (DistributionResult, error) {
	o := collect(opts)
	if !amount.IsPositive() {
		return DistributionResult{}, fmt.Errorf("%w: distribution of %s", ledger.ErrInvalidAmount, amount)
	}

	next, txn, replayed, err := e.apply(ctx, accountID, "distribute", isStrategy(model.StrategyOperator), o.idempotencyKey,
		func(cur model.Account, at time.Time) (model.Account, model.Transaction, error) {
			split, err := e.random.Split(amount)
			if err != nil {
				return cur, model.Transaction{}, err
			}
			return ledger.WithDistribution(cur, split, o.idempotencyKey, at)
		})
	if err != nil {
		return DistributionResult{}, err
	}
	if e.auditor != nil && !replayed {
		entry := auditlog.Entry{
			Timestamp:     txn.Timestamp,
			Operator:      o.operator,
			Action:        auditlog.ActionDistribute,
			AccountID:     accountID,
			Amount:        txn.Amount,
			TransactionID: txn.ID,
		}
		if err := e.auditor.Record(ctx, entry); err != nil {
			e.log.WithFields(logrus.Fields{"account": accountID, "txn": txn.ID}).WithError(err).Error("audit log write failed")
		}
	}

	balances := make(map[model.Sector]decimal.Decimal, len(next.SectorBalances))
	for s, v := range next.SectorBalances {
		balances[s] = v
	}
	return DistributionResult{
		SectorBalances: balances,
		Transaction:    txn,
		LiveValue:      e.calc.LiveValue(next, e.now()),
	}, nil
}

type applyFunc func(cur model.Account, at time.Time) (model.Account, model.Transaction, error)

// matcher reports whether an earlier transaction is the same kind of
// operation as the one being applied.
type matcher func(model.Transaction) bool

func isDeposit(t model.Transaction) bool { return t.Kind == model.KindDeposit }

func isManual(t model.Transaction) bool {
	return t.Kind == model.KindAllocation && t.Strategy != model.StrategyAuto && t.Strategy != model.StrategyOperator
}

func isStrategy(s model.Strategy) matcher {
	return func(t model.Transaction) bool { return t.Kind == model.KindAllocation && t.Strategy == s }
}

// apply runs the read-validate-commit loop. On an idempotent replay it
// returns the current snapshot and the earlier transaction without writing.
func (e *Engine) apply(ctx context.Context, accountID, op string, same matcher, key string, fn applyFunc) (next model.Account, txn model.Transaction, replayed bool, err error) {
	log := e.log.WithFields(logrus.Fields{"account": accountID, "op": op})

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Account{}, model.Transaction{}, false, err
		}
		cur, err := e.store.Get(ctx, accountID)
		if err != nil {
			return model.Account{}, model.Transaction{}, false, mapStoreErr(accountID, err)
		}

		if prev, ok := cur.FindByIdempotencyKey(key); ok {
			if !same(prev) {
				return model.Account{}, model.Transaction{}, false, fmt.Errorf("%w: %s", ErrIdempotencyKeyReused, key)
			}
			log.WithField("txn", prev.ID).Debug("idempotent replay")
			return cur, prev, true, nil
		}

		next, txn, err = fn(cur, e.stamp(cur))
		if err != nil {
			return model.Account{}, model.Transaction{}, false, err
		}

		err = e.store.Commit(ctx, store.Commit{
			AccountID:       accountID,
			ExpectedVersion: cur.Version,
			Next:            next,
			Append:          txn,
		})
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{"txn": txn.ID, "amount": txn.Amount.String(), "version": next.Version}).Info("committed")
			return next, txn, false, nil
		case errors.Is(err, store.ErrConflict):
			log.WithField("attempt", attempt+1).Warn("write conflict, retrying")
		default:
			return model.Account{}, model.Transaction{}, false, mapStoreErr(accountID, err)
		}
	}
	log.Error("write conflict retries exhausted")
	return model.Account{}, model.Transaction{}, false, fmt.Errorf("%w: %w after %d retries", ErrStoreUnavailable, ErrConcurrentWriteConflict, e.maxRetries)
}

// stamp returns the commit time, never earlier than the last log entry.
func (e *Engine) stamp(cur model.Account) time.Time {
	now := e.now().UTC()
	if n := len(cur.Transactions); n > 0 {
		if last := cur.Transactions[n-1].Timestamp; now.Before(last) {
			return last
		}
	}
	return now
}

func mapStoreErr(accountID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
