package importer

import (
	"strings"

	"github.com/alfalak/ledger/internal/model"
)

// Match pairs a statement line with the deposit carrying its reference.
type Match struct {
	Line    SettlementLine
	Deposit model.Transaction
}

// Report is the outcome of reconciling one statement against one account.
type Report struct {
	AccountID   string
	Matched     []Match             // reference and amount agree
	Mismatched  []Match             // reference agrees, amount differs
	Unmatched   []SettlementLine    // no pending deposit carries the reference
	Outstanding []model.Transaction // pending deposits absent from the statement
}

// Clean reports whether every line and every pending deposit matched.
func (r Report) Clean() bool {
	return len(r.Mismatched) == 0 && len(r.Unmatched) == 0 && len(r.Outstanding) == 0
}

// Reconcile compares statement lines with the account's pending deposits by
// external reference (case-insensitive). Each deposit matches at most one line.
func Reconcile(a model.Account, lines []SettlementLine) Report {
	rep := Report{AccountID: a.ID}

	pending := make(map[string]model.Transaction)
	var order []string
	for _, t := range a.Transactions {
		if !t.IsPending() || t.ExternalReference == "" {
			continue
		}
		key := normalizeRef(t.ExternalReference)
		if _, dup := pending[key]; dup {
			continue
		}
		pending[key] = t
		order = append(order, key)
	}

	used := make(map[string]bool)
	for _, line := range lines {
		key := normalizeRef(line.Reference)
		dep, ok := pending[key]
		if !ok || used[key] {
			rep.Unmatched = append(rep.Unmatched, line)
			continue
		}
		used[key] = true
		m := Match{Line: line, Deposit: dep}
		if line.Amount.Equal(dep.Amount) {
			rep.Matched = append(rep.Matched, m)
		} else {
			rep.Mismatched = append(rep.Mismatched, m)
		}
	}

	for _, key := range order {
		if !used[key] {
			rep.Outstanding = append(rep.Outstanding, pending[key])
		}
	}
	return rep
}

func normalizeRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}
