// Package accrual derives the live value of an account from its log.
//
// Every allocated amount grows linearly from its own timestamp at a fixed
// nominal monthly rate. The value is a closed-form function of the log and
// the query time, so it can be evaluated at any frequency without drift.
package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/model"
)

// SecondsPerMonth is the length of the nominal 30-day accrual month.
const SecondsPerMonth = 30 * 24 * 3600

var secondsPerMonth = decimal.NewFromInt(SecondsPerMonth)

// DefaultMonthlyRate is 24% per 30-day month.
var DefaultMonthlyRate = decimal.RequireFromString("0.24")

// Calculator evaluates live value at a configured growth rate.
type Calculator struct {
	MonthlyRate decimal.Decimal
}

// New returns a Calculator for a non-negative monthly rate.
func New(monthlyRate decimal.Decimal) (Calculator, error) {
	if monthlyRate.IsNegative() {
		return Calculator{}, fmt.Errorf("monthly rate %s must not be negative", monthlyRate)
	}
	return Calculator{MonthlyRate: monthlyRate}, nil
}

// Value returns what amount, allocated at t0, is worth at now:
// A + A*(r/SecondsPerMonth)*max(0, now-t0).
func (c Calculator) Value(amount decimal.Decimal, t0, now time.Time) decimal.Decimal {
	return amount.Add(c.growth(amount, t0, now))
}

func (c Calculator) growth(amount decimal.Decimal, t0, now time.Time) decimal.Decimal {
	elapsed := now.Sub(t0)
	if elapsed <= 0 || c.MonthlyRate.IsZero() {
		return decimal.Zero
	}
	secs := decimal.NewFromInt(elapsed.Nanoseconds()).Shift(-9)
	return amount.Mul(c.MonthlyRate).Mul(secs).Div(secondsPerMonth)
}

// LiveValue returns cash plus the accrued value of every allocation.
func (c Calculator) LiveValue(a model.Account, now time.Time) decimal.Decimal {
	total := a.CashBalance
	for _, t := range a.Transactions {
		if t.Kind != model.KindAllocation {
			continue
		}
		total = total.Add(c.Value(t.Amount, t.Timestamp, now))
	}
	return total
}

// Valuation is a point-in-time breakdown of an account's live value.
type Valuation struct {
	AccountID string                           `json:"accountId"`
	At        time.Time                        `json:"at"`
	Cash      decimal.Decimal                  `json:"cash"`
	Principal decimal.Decimal                  `json:"principal"`
	Accrued   decimal.Decimal                  `json:"accrued"`
	Total     decimal.Decimal                  `json:"total"`
	Sectors   map[model.Sector]decimal.Decimal `json:"sectors"`
}

// Valuate breaks the live value down by sector. Each allocation's growth is
// spread over its split pro rata, so Cash + Σ Sectors == Total exactly.
func (c Calculator) Valuate(a model.Account, now time.Time) Valuation {
	v := Valuation{
		AccountID: a.ID,
		At:        now.UTC(),
		Cash:      a.CashBalance,
		Principal: a.PrincipalInvested,
		Accrued:   decimal.Zero,
		Sectors:   model.ZeroBalances(),
	}
	for s, bal := range a.SectorBalances {
		v.Sectors[s] = bal
	}

	for _, t := range a.Transactions {
		if t.Kind != model.KindAllocation {
			continue
		}
		g := c.growth(t.Amount, t.Timestamp, now)
		if g.IsZero() {
			continue
		}
		v.Accrued = v.Accrued.Add(g)
		spread(v.Sectors, t, g)
	}

	v.Total = v.Cash.Add(v.Principal).Add(v.Accrued)
	return v
}

func spread(sectors map[model.Sector]decimal.Decimal, t model.Transaction, g decimal.Decimal) {
	var last model.Sector
	for _, s := range model.Sectors() {
		if _, ok := t.Split[s]; ok {
			last = s
		}
	}
	if last == "" {
		return
	}
	remaining := g
	for _, s := range model.Sectors() {
		amt, ok := t.Split[s]
		if !ok {
			continue
		}
		share := remaining
		if s != last {
			share = g.Mul(amt).Div(t.Amount)
			remaining = remaining.Sub(share)
		}
		sectors[s] = sectors[s].Add(share)
	}
}
