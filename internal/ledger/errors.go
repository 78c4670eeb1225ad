package ledger

import "errors"

var (
	// ErrInvalidAmount reports a zero, negative or non-finite amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientLiquidCapital reports an allocation larger than the cash balance.
	ErrInsufficientLiquidCapital = errors.New("insufficient liquid capital")
	// ErrNoLiquidCapital reports an auto-allocation on an account without cash.
	ErrNoLiquidCapital = errors.New("no liquid capital")
	// ErrInvalidMethod reports a deposit without a settlement method.
	ErrInvalidMethod = errors.New("invalid deposit method")
	// ErrInvalidReference reports an external reference that is too short.
	ErrInvalidReference = errors.New("invalid external reference")
	// ErrUnknownSector reports a sector outside the closed set.
	ErrUnknownSector = errors.New("unknown sector")
)
