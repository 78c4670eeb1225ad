package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes log entries.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindAllocation TransactionKind = "allocation"
)

// DepositStatus is the settlement state of a deposit. Empty means confirmed.
type DepositStatus string

const (
	StatusPending   DepositStatus = "pending"
	StatusConfirmed DepositStatus = "confirmed"
)

// Strategy labels the distribution that produced an allocation. A manual
// allocation into a single sector is labelled with that sector's name.
type Strategy string

const (
	StrategyAuto     Strategy = "auto-distributed"
	StrategyManual   Strategy = "manual-deployment"
	StrategyOperator Strategy = "operator-distributed"
)

// Transaction is one immutable entry of an account's log.
type Transaction struct {
	ID                string                     `json:"id"`
	Kind              TransactionKind            `json:"kind"`
	Amount            decimal.Decimal            `json:"amount"`
	Timestamp         time.Time                  `json:"timestamp"`
	Method            string                     `json:"method,omitempty"`            // deposit only
	ExternalReference string                     `json:"externalReference,omitempty"` // deposit only
	Status            DepositStatus              `json:"status,omitempty"`            // deposit only
	Strategy          Strategy                   `json:"strategy,omitempty"`          // allocation only
	Split             map[Sector]decimal.Decimal `json:"split,omitempty"`             // allocation only
	IdempotencyKey    string                     `json:"idempotencyKey,omitempty"`
}

// IsPending reports whether a deposit still awaits operator confirmation.
func (t Transaction) IsPending() bool {
	return t.Kind == KindDeposit && t.Status == StatusPending
}

// Clone returns a copy that shares no map with t.
func (t Transaction) Clone() Transaction {
	out := t
	if t.Split != nil {
		out.Split = make(map[Sector]decimal.Decimal, len(t.Split))
		for k, v := range t.Split {
			out.Split[k] = v
		}
	}
	return out
}
