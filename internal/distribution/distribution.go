// Package distribution splits an amount across sectors.
package distribution

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
)

// Policy splits a positive amount across sectors. The returned amounts sum
// to exactly the input.
type Policy interface {
	Split(amount decimal.Decimal) (map[model.Sector]decimal.Decimal, error)
}

// DefaultShares is the auto-allocate split: 25/15/10/40/10.
func DefaultShares() map[model.Sector]decimal.Decimal {
	return map[model.Sector]decimal.Decimal{
		model.SectorEnergy:         decimal.RequireFromString("0.25"),
		model.SectorTransition:     decimal.RequireFromString("0.15"),
		model.SectorFrontierTech:   decimal.RequireFromString("0.10"),
		model.SectorRealEstate:     decimal.RequireFromString("0.40"),
		model.SectorOrbitalEconomy: decimal.RequireFromString("0.10"),
	}
}

// Fixed splits by constant shares that sum to one.
type Fixed struct {
	shares map[model.Sector]decimal.Decimal
}

// NewFixed validates shares and returns a Fixed policy.
func NewFixed(shares map[model.Sector]decimal.Decimal) (*Fixed, error) {
	total := decimal.Zero
	clean := make(map[model.Sector]decimal.Decimal, len(shares))
	for s, share := range shares {
		if !s.Valid() {
			return nil, fmt.Errorf("unknown sector %q", s)
		}
		if share.IsNegative() {
			return nil, fmt.Errorf("share %s for %s is negative", share, s)
		}
		clean[s] = share
		total = total.Add(share)
	}
	if !total.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("shares sum to %s, want 1", total)
	}
	return &Fixed{shares: clean}, nil
}

// Shares returns a copy of the configured shares.
func (f *Fixed) Shares() map[model.Sector]decimal.Decimal {
	out := make(map[model.Sector]decimal.Decimal, len(f.shares))
	for s, v := range f.shares {
		out[s] = v
	}
	return out
}

// Split multiplies amount by each share. Products of decimals are exact, the
// last sector still takes the remainder so the sum can never drift.
func (f *Fixed) Split(amount decimal.Decimal) (map[model.Sector]decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	return apportion(amount, func(s model.Sector) decimal.Decimal { return f.shares[s] }, func(d decimal.Decimal) decimal.Decimal { return d }), nil
}

// DefaultPrecision is the number of decimal places random splits keep.
const DefaultPrecision = 2

// WeightedRandom draws one uniform weight per sector and splits by the
// normalized weights. Repeated calls give different splits.
type WeightedRandom struct {
	mu        sync.Mutex
	rng       *rand.Rand // nil uses the global source
	Precision int32
}

// NewWeightedRandom returns a policy drawing from rng, or from the global
// source when rng is nil.
func NewWeightedRandom(rng *rand.Rand) *WeightedRandom {
	return &WeightedRandom{rng: rng, Precision: DefaultPrecision}
}

func (w *WeightedRandom) draw() float64 {
	if w.rng == nil {
		return rand.Float64()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64()
}

// Split implements Policy.
func (w *WeightedRandom) Split(amount decimal.Decimal) (map[model.Sector]decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	weights := make(map[model.Sector]decimal.Decimal, len(model.Sectors()))
	sum := decimal.Zero
	for _, s := range model.Sectors() {
		wt := decimal.NewFromFloat(w.draw())
		weights[s] = wt
		sum = sum.Add(wt)
	}
	if sum.IsZero() {
		for _, s := range model.Sectors() {
			weights[s] = decimal.NewFromInt(1)
		}
		sum = decimal.NewFromInt(int64(len(weights)))
	}

	// Truncating keeps every share but the last at or below its exact value,
	// so the remainder given to the last sector is never negative.
	return apportion(amount, func(s model.Sector) decimal.Decimal {
		return weights[s].Div(sum)
	}, func(d decimal.Decimal) decimal.Decimal {
		return d.Truncate(w.Precision)
	}), nil
}

// apportion gives each sector round(amount*share(s)) in canonical order and
// hands the remainder to the last sector with a non-zero share.
func apportion(amount decimal.Decimal, share func(model.Sector) decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) map[model.Sector]decimal.Decimal {
	var active []model.Sector
	for _, s := range model.Sectors() {
		if share(s).IsPositive() {
			active = append(active, s)
		}
	}
	out := make(map[model.Sector]decimal.Decimal, len(active))
	remaining := amount
	for i, s := range active {
		if i == len(active)-1 {
			out[s] = remaining
			break
		}
		part := round(amount.Mul(share(s)))
		out[s] = part
		remaining = remaining.Sub(part)
	}
	return out
}

// Manual validates caller-supplied per-sector amounts and returns a copy
// together with their total.
func Manual(split map[model.Sector]decimal.Decimal) (map[model.Sector]decimal.Decimal, decimal.Decimal, error) {
	out := make(map[model.Sector]decimal.Decimal, len(split))
	for s, amt := range split {
		if !s.Valid() {
			return nil, decimal.Zero, fmt.Errorf("%w: %q", ledger.ErrUnknownSector, s)
		}
		if amt.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: %s for %s is negative", ledger.ErrInvalidAmount, amt, s)
		}
		out[s] = amt
	}
	return out, sum(out), nil
}

func sum(split map[model.Sector]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amt := range split {
		total = total.Add(amt)
	}
	return total
}
