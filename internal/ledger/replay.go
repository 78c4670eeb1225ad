package ledger

import (
	"fmt"
	"time"

	"github.com/alfalak/ledger/internal/model"
)

// Replay rebuilds an account's balances from its transaction log. The log is
// the source of truth; the stored balances are only a cache of this result.
func Replay(accountID string, createdAt time.Time, txns []model.Transaction) (model.Account, error) {
	acct := model.NewAccount(accountID, createdAt)
	for i, t := range txns {
		switch t.Kind {
		case model.KindDeposit:
			acct.CashBalance = acct.CashBalance.Add(t.Amount)
		case model.KindAllocation:
			if t.Strategy != model.StrategyOperator {
				acct.CashBalance = acct.CashBalance.Sub(t.Amount)
			}
			for s, amt := range t.Split {
				if !s.Valid() {
					return model.Account{}, fmt.Errorf("transaction %d (%s): %w: %q", i+1, t.ID, ErrUnknownSector, s)
				}
				acct.SectorBalances[s] = acct.SectorBalances[s].Add(amt)
			}
			acct.PrincipalInvested = acct.PrincipalInvested.Add(t.Amount)
		default:
			return model.Account{}, fmt.Errorf("transaction %d (%s): unknown kind %q", i+1, t.ID, t.Kind)
		}
		acct.Transactions = append(acct.Transactions, t.Clone())
	}
	acct.Version = int64(len(txns))
	return acct, nil
}
