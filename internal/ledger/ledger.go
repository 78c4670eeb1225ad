// Package ledger holds the pure apply semantics shared by every write path.
// Functions take an account snapshot and return the next snapshot plus the
// log entry that produced it; the input is never modified.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/model"
)

// MinReferenceLen is the shortest accepted external settlement reference.
const MinReferenceLen = 8

// View is a read-only copy of an account's balances and log.
type View struct {
	CashBalance       decimal.Decimal
	SectorBalances    map[model.Sector]decimal.Decimal
	PrincipalInvested decimal.Decimal
	Transactions      []model.Transaction
}

// Snapshot returns a View that shares no memory with a.
func Snapshot(a model.Account) View {
	c := a.Clone()
	return View{
		CashBalance:       c.CashBalance,
		SectorBalances:    c.SectorBalances,
		PrincipalInvested: c.PrincipalInvested,
		Transactions:      c.Transactions,
	}
}

// DepositParams holds the inputs of a deposit.
type DepositParams struct {
	Amount            decimal.Decimal
	Method            string
	ExternalReference string
	Status            model.DepositStatus
	IdempotencyKey    string
	At                time.Time
}

// WithDeposit credits the cash balance and appends a deposit entry.
func WithDeposit(a model.Account, p DepositParams) (model.Account, model.Transaction, error) {
	if !p.Amount.IsPositive() {
		return a, model.Transaction{}, fmt.Errorf("%w: deposit of %s", ErrInvalidAmount, p.Amount)
	}
	method := strings.TrimSpace(p.Method)
	if method == "" {
		return a, model.Transaction{}, ErrInvalidMethod
	}
	ref := strings.TrimSpace(p.ExternalReference)
	if ref != "" && len(ref) < MinReferenceLen {
		return a, model.Transaction{}, fmt.Errorf("%w: %q shorter than %d characters", ErrInvalidReference, ref, MinReferenceLen)
	}
	switch p.Status {
	case "", model.StatusPending, model.StatusConfirmed:
	default:
		return a, model.Transaction{}, fmt.Errorf("unknown deposit status %q", p.Status)
	}

	next := a.Clone()
	txn := model.Transaction{
		ID:                id.FormatTxnID(len(a.Transactions) + 1),
		Kind:              model.KindDeposit,
		Amount:            p.Amount,
		Timestamp:         p.At.UTC(),
		Method:            method,
		ExternalReference: ref,
		Status:            p.Status,
		IdempotencyKey:    p.IdempotencyKey,
	}
	next.CashBalance = next.CashBalance.Add(p.Amount)
	next.Transactions = append(next.Transactions, txn)
	next.Version = a.Version + 1
	return next, txn.Clone(), nil
}

// AllocationParams holds the inputs of an allocation from cash.
type AllocationParams struct {
	Split          map[model.Sector]decimal.Decimal
	Strategy       model.Strategy // empty means manual
	IdempotencyKey string
	At             time.Time
}

// WithAllocation moves cash into sectors and appends one allocation entry
// carrying the total amount.
func WithAllocation(a model.Account, p AllocationParams) (model.Account, model.Transaction, error) {
	split, total, err := checkSplit(p.Split)
	if err != nil {
		return a, model.Transaction{}, err
	}
	if total.GreaterThan(a.CashBalance) {
		return a, model.Transaction{}, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidCapital, total, a.CashBalance)
	}

	strategy := p.Strategy
	if strategy == "" {
		strategy = model.StrategyManual
	}
	if strategy == model.StrategyManual && len(split) == 1 {
		for s := range split {
			strategy = model.Strategy(s)
		}
	}

	next := a.Clone()
	next.CashBalance = next.CashBalance.Sub(total)
	credit(&next, split, total)
	txn := allocationEntry(a, total, split, strategy, p.IdempotencyKey, p.At)
	next.Transactions = append(next.Transactions, txn)
	next.Version = a.Version + 1
	return next, txn.Clone(), nil
}

// WithDistribution writes an operator distribution straight into sectors;
// the cash balance is untouched.
func WithDistribution(a model.Account, split map[model.Sector]decimal.Decimal, idempotencyKey string, at time.Time) (model.Account, model.Transaction, error) {
	clean, total, err := checkSplit(split)
	if err != nil {
		return a, model.Transaction{}, err
	}

	next := a.Clone()
	credit(&next, clean, total)
	txn := allocationEntry(a, total, clean, model.StrategyOperator, idempotencyKey, at)
	next.Transactions = append(next.Transactions, txn)
	next.Version = a.Version + 1
	return next, txn.Clone(), nil
}

// checkSplit validates per-sector amounts and drops zero entries.
func checkSplit(split map[model.Sector]decimal.Decimal) (map[model.Sector]decimal.Decimal, decimal.Decimal, error) {
	clean := make(map[model.Sector]decimal.Decimal, len(split))
	total := decimal.Zero
	for s, amt := range split {
		if !s.Valid() {
			return nil, decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownSector, s)
		}
		if amt.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: %s for %s is negative", ErrInvalidAmount, amt, s)
		}
		if amt.IsZero() {
			continue
		}
		clean[s] = amt
		total = total.Add(amt)
	}
	if !total.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: allocation total must be positive", ErrInvalidAmount)
	}
	return clean, total, nil
}

func credit(a *model.Account, split map[model.Sector]decimal.Decimal, total decimal.Decimal) {
	if a.SectorBalances == nil {
		a.SectorBalances = model.ZeroBalances()
	}
	for s, amt := range split {
		a.SectorBalances[s] = a.SectorBalances[s].Add(amt)
	}
	a.PrincipalInvested = a.PrincipalInvested.Add(total)
}

func allocationEntry(a model.Account, total decimal.Decimal, split map[model.Sector]decimal.Decimal, strategy model.Strategy, key string, at time.Time) model.Transaction {
	return model.Transaction{
		ID:             id.FormatTxnID(len(a.Transactions) + 1),
		Kind:           model.KindAllocation,
		Amount:         total,
		Timestamp:      at.UTC(),
		Strategy:       strategy,
		Split:          split,
		IdempotencyKey: key,
	}
}
