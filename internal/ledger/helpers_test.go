package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/model"
)

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAccount() model.Account {
	return model.NewAccount("SOVEREIGN-ID-TEST01", t0)
}

func funded(cash string) model.Account {
	acct, _, err := WithDeposit(newAccount(), DepositParams{Amount: dec(cash), Method: "wire", At: t0})
	if err != nil {
		panic(err)
	}
	return acct
}
