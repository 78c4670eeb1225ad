package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sector is an investment category that allocated principal is held in.
type Sector string

const (
	SectorEnergy         Sector = "energy"
	SectorTransition     Sector = "transition"
	SectorFrontierTech   Sector = "frontierTech"
	SectorRealEstate     Sector = "realEstate"
	SectorOrbitalEconomy Sector = "orbitalEconomy"
)

var sectors = []Sector{
	SectorEnergy,
	SectorTransition,
	SectorFrontierTech,
	SectorRealEstate,
	SectorOrbitalEconomy,
}

// Sectors returns every sector in canonical order.
func Sectors() []Sector {
	out := make([]Sector, len(sectors))
	copy(out, sectors)
	return out
}

// Valid reports whether s is one of the known sectors.
func (s Sector) Valid() bool {
	for _, known := range sectors {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSector converts a sector name into a Sector.
func ParseSector(name string) (Sector, error) {
	s := Sector(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown sector %q", name)
	}
	return s, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Sector) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText rejects sector names outside the closed set, including when
// the sector is used as a map key.
func (s *Sector) UnmarshalText(b []byte) error {
	parsed, err := ParseSector(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Account is the ledger document of one institutional client.
//
// CashBalance, SectorBalances and PrincipalInvested are a projection of
// Transactions; every write path keeps them consistent with the log.
type Account struct {
	ID                string                     `json:"id" yaml:"id"`
	CreatedAt         time.Time                  `json:"createdAt" yaml:"created_at"`
	CashBalance       decimal.Decimal            `json:"cashBalance" yaml:"cash_balance"`
	SectorBalances    map[Sector]decimal.Decimal `json:"sectorBalances" yaml:"sector_balances"`
	PrincipalInvested decimal.Decimal            `json:"principalInvested" yaml:"principal_invested"`
	Transactions      []Transaction              `json:"transactions" yaml:"-"`
	Version           int64                      `json:"version" yaml:"version"` // store revision, == len(Transactions)
}

// NewAccount returns an empty account with every sector present at zero.
func NewAccount(id string, createdAt time.Time) Account {
	return Account{
		ID:                id,
		CreatedAt:         createdAt.UTC(),
		CashBalance:       decimal.Zero,
		SectorBalances:    ZeroBalances(),
		PrincipalInvested: decimal.Zero,
		Transactions:      []Transaction{},
	}
}

// ZeroBalances returns a sector map with every sector at zero.
func ZeroBalances() map[Sector]decimal.Decimal {
	m := make(map[Sector]decimal.Decimal, len(sectors))
	for _, s := range sectors {
		m[s] = decimal.Zero
	}
	return m
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	out := a
	out.SectorBalances = make(map[Sector]decimal.Decimal, len(a.SectorBalances))
	for k, v := range a.SectorBalances {
		out.SectorBalances[k] = v
	}
	out.Transactions = make([]Transaction, len(a.Transactions))
	for i, t := range a.Transactions {
		out.Transactions[i] = t.Clone()
	}
	return out
}

// SectorTotal sums the invested balances of all sectors.
func (a Account) SectorTotal() decimal.Decimal {
	total := decimal.Zero
	for _, s := range sectors {
		total = total.Add(a.SectorBalances[s])
	}
	return total
}

// FindByIdempotencyKey returns the transaction recorded under key, if any.
func (a Account) FindByIdempotencyKey(key string) (Transaction, bool) {
	if key == "" {
		return Transaction{}, false
	}
	for _, t := range a.Transactions {
		if t.IdempotencyKey == key {
			return t, true
		}
	}
	return Transaction{}, false
}
