package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/model"
)

// ValidationError describes a single invariant violation.
type ValidationError struct {
	Invariant   int
	TxnID       string
	Description string
}

func (e ValidationError) Error() string {
	if e.TxnID == "" {
		return fmt.Sprintf("invariant %d: %s", e.Invariant, e.Description)
	}
	return fmt.Sprintf("invariant %d [%s]: %s", e.Invariant, e.TxnID, e.Description)
}

// Verify checks an account against its own log and the balance invariants:
//
//  1. stored balances equal the replayed log
//  2. cash and sector balances are never negative
//  3. sector balances sum to principal invested
//  4. transaction IDs run 1..N without gaps
//  5. every transaction is well formed for its kind
//  6. timestamps never go backwards
//  7. version equals the log length
func Verify(a model.Account) []ValidationError {
	var errs []ValidationError

	// Invariant 1: projection matches replay.
	replayed, err := Replay(a.ID, a.CreatedAt, a.Transactions)
	if err != nil {
		errs = append(errs, ValidationError{Invariant: 1, Description: fmt.Sprintf("log cannot be replayed: %v", err)})
	} else {
		if !replayed.CashBalance.Equal(a.CashBalance) {
			errs = append(errs, ValidationError{Invariant: 1, Description: fmt.Sprintf("cash balance %s != replayed %s", a.CashBalance, replayed.CashBalance)})
		}
		if !replayed.PrincipalInvested.Equal(a.PrincipalInvested) {
			errs = append(errs, ValidationError{Invariant: 1, Description: fmt.Sprintf("principal %s != replayed %s", a.PrincipalInvested, replayed.PrincipalInvested)})
		}
		for _, s := range model.Sectors() {
			if !replayed.SectorBalances[s].Equal(a.SectorBalances[s]) {
				errs = append(errs, ValidationError{Invariant: 1, Description: fmt.Sprintf("%s balance %s != replayed %s", s, a.SectorBalances[s], replayed.SectorBalances[s])})
			}
		}
	}

	// Invariant 2: non-negative balances.
	if a.CashBalance.IsNegative() {
		errs = append(errs, ValidationError{Invariant: 2, Description: fmt.Sprintf("cash balance %s is negative", a.CashBalance)})
	}
	for _, s := range model.Sectors() {
		bal, ok := a.SectorBalances[s]
		if !ok {
			errs = append(errs, ValidationError{Invariant: 2, Description: fmt.Sprintf("sector %s missing", s)})
			continue
		}
		if bal.IsNegative() {
			errs = append(errs, ValidationError{Invariant: 2, Description: fmt.Sprintf("%s balance %s is negative", s, bal)})
		}
	}
	for s := range a.SectorBalances {
		if !s.Valid() {
			errs = append(errs, ValidationError{Invariant: 2, Description: fmt.Sprintf("unknown sector %q", s)})
		}
	}

	// Invariant 3: sectors sum to principal.
	if sum := a.SectorTotal(); !sum.Equal(a.PrincipalInvested) {
		errs = append(errs, ValidationError{Invariant: 3, Description: fmt.Sprintf("sector total %s != principal %s", sum, a.PrincipalInvested)})
	}

	for i, t := range a.Transactions {
		// Invariant 4: sequential IDs.
		seq, err := id.ParseTxnID(t.ID)
		if err != nil {
			errs = append(errs, ValidationError{Invariant: 4, TxnID: t.ID, Description: err.Error()})
		} else if seq != i+1 {
			errs = append(errs, ValidationError{Invariant: 4, TxnID: t.ID, Description: fmt.Sprintf("expected sequence %d, got %d", i+1, seq)})
		}

		// Invariant 5: well-formed entries.
		errs = append(errs, checkTransaction(t)...)

		// Invariant 6: chronological order.
		if i > 0 && t.Timestamp.Before(a.Transactions[i-1].Timestamp) {
			errs = append(errs, ValidationError{Invariant: 6, TxnID: t.ID, Description: "timestamp earlier than previous entry"})
		}
	}

	// Invariant 7: version tracks the log.
	if a.Version != int64(len(a.Transactions)) {
		errs = append(errs, ValidationError{Invariant: 7, Description: fmt.Sprintf("version %d != %d transactions", a.Version, len(a.Transactions))})
	}

	return errs
}

func checkTransaction(t model.Transaction) []ValidationError {
	var errs []ValidationError
	fail := func(format string, args ...any) {
		errs = append(errs, ValidationError{Invariant: 5, TxnID: t.ID, Description: fmt.Sprintf(format, args...)})
	}

	if !t.Amount.IsPositive() {
		fail("amount %s must be positive", t.Amount)
	}
	if t.Timestamp.IsZero() {
		fail("missing timestamp")
	}

	switch t.Kind {
	case model.KindDeposit:
		if t.Method == "" {
			fail("deposit without method")
		}
		if t.ExternalReference != "" && len(t.ExternalReference) < MinReferenceLen {
			fail("external reference %q too short", t.ExternalReference)
		}
		if len(t.Split) > 0 || t.Strategy != "" {
			fail("deposit carries allocation fields")
		}
	case model.KindAllocation:
		if t.Strategy == "" {
			fail("allocation without strategy")
		}
		if t.Method != "" || t.ExternalReference != "" || t.Status != "" {
			fail("allocation carries deposit fields")
		}
		sum := decimal.Zero
		for s, amt := range t.Split {
			if !s.Valid() {
				fail("unknown sector %q", s)
			}
			if !amt.IsPositive() {
				fail("split amount %s for %s must be positive", amt, s)
			}
			sum = sum.Add(amt)
		}
		if !sum.Equal(t.Amount) {
			fail("split total %s != amount %s", sum, t.Amount)
		}
	default:
		fail("unknown kind %q", t.Kind)
	}
	return errs
}
