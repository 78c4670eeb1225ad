// Package store defines the account document store the engine commits to.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/alfalak/ledger/internal/model"
)

var (
	// ErrNotFound reports a missing account document.
	ErrNotFound = errors.New("account not found")
	// ErrConflict reports a commit based on a stale version.
	ErrConflict = errors.New("concurrent write conflict")
	// ErrExists reports a create for an ID that is already taken.
	ErrExists = errors.New("account already exists")
)

// Commit is one atomic write: the balance merge and the log append land
// together or not at all.
type Commit struct {
	AccountID       string
	ExpectedVersion int64
	Next            model.Account     // balances to merge; Version must be ExpectedVersion+1
	Append          model.Transaction // entry appended to the log
}

// Store is a durable key-value document store of accounts.
type Store interface {
	// Get returns the latest snapshot or ErrNotFound.
	Get(ctx context.Context, accountID string) (model.Account, error)
	// Create stores a new, empty account or returns ErrExists.
	Create(ctx context.Context, a model.Account) error
	// Commit applies c if the stored version still equals c.ExpectedVersion,
	// otherwise it returns ErrConflict and writes nothing.
	Commit(ctx context.Context, c Commit) error
	// List returns every account, ordered by ID.
	List(ctx context.Context) ([]model.Account, error)
	Close() error
}

// Subscriber is implemented by stores that can push change notifications.
// The channel receives the latest snapshot after every commit and is closed
// when ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, accountID string) (<-chan model.Account, error)
}

// CheckCommit verifies the shape of a commit before a backend applies it.
func CheckCommit(c Commit) error {
	if c.Next.ID != c.AccountID {
		return errors.New("commit account mismatch")
	}
	if c.Next.Version != c.ExpectedVersion+1 {
		return errors.New("commit must advance version by one")
	}
	if len(c.Next.Transactions) != int(c.Next.Version) {
		return errors.New("commit log length does not match version")
	}
	return nil
}

// DecodeJSON decodes exactly one stored JSON document into v. Unknown
// fields and trailing data are errors.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON document")
	}
	return nil
}
