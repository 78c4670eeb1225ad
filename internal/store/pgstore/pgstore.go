// Package pgstore keeps accounts in PostgreSQL: one row per account for the
// balance projection and one row per log entry.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// Connect opens a pool for url, pings it and applies the schema.
func Connect(ctx context.Context, url string) (*Store, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Close closes the pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, accountID string) (model.Account, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.Account{}, fmt.Errorf("beginning read: %w", err)
	}
	defer tx.Rollback(ctx)

	return load(ctx, tx, accountID)
}

func load(ctx context.Context, q querier, accountID string) (model.Account, error) {
	var (
		createdAt       time.Time
		cash, principal string
		sectorsJSON     []byte
		version         int64
	)
	err := q.QueryRow(ctx, `
        SELECT created_at, cash_balance::text, sector_balances, principal_invested::text, version
        FROM ledger_accounts
        WHERE id = $1
    `, accountID).Scan(&createdAt, &cash, &sectorsJSON, &principal, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
		}
		return model.Account{}, fmt.Errorf("reading account %s: %w", accountID, err)
	}

	a := model.NewAccount(accountID, createdAt)
	if a.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return model.Account{}, fmt.Errorf("account %s cash: %w", accountID, err)
	}
	if a.PrincipalInvested, err = decimal.NewFromString(principal); err != nil {
		return model.Account{}, fmt.Errorf("account %s principal: %w", accountID, err)
	}
	if err := store.DecodeJSON(sectorsJSON, &a.SectorBalances); err != nil {
		return model.Account{}, fmt.Errorf("account %s sectors: %w", accountID, err)
	}
	a.Version = version

	rows, err := q.Query(ctx, `
        SELECT entry FROM ledger_transactions
        WHERE account_id = $1
        ORDER BY seq
    `, accountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("reading log of %s: %w", accountID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return model.Account{}, err
		}
		var t model.Transaction
		if err := store.DecodeJSON(raw, &t); err != nil {
			return model.Account{}, fmt.Errorf("decoding log entry of %s: %w", accountID, err)
		}
		a.Transactions = append(a.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return model.Account{}, err
	}
	if int64(len(a.Transactions)) != a.Version {
		return model.Account{}, fmt.Errorf("account %s: log has %d entries, version is %d", accountID, len(a.Transactions), a.Version)
	}
	return a, nil
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, a model.Account) error {
	if len(a.Transactions) != 0 || a.Version != 0 {
		return errors.New("create expects an empty account")
	}
	sectors, err := json.Marshal(a.SectorBalances)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO ledger_accounts (id, created_at, cash_balance, sector_balances, principal_invested, version)
        VALUES ($1, $2, $3::numeric, $4, $5::numeric, 0)
    `, a.ID, a.CreatedAt, a.CashBalance.String(), sectors, a.PrincipalInvested.String())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", store.ErrExists, a.ID)
		}
		return fmt.Errorf("creating account %s: %w", a.ID, err)
	}
	return nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := store.CheckCommit(c); err != nil {
		return err
	}
	sectors, err := json.Marshal(c.Next.SectorBalances)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(c.Append)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE ledger_accounts
        SET cash_balance = $2::numeric, sector_balances = $3, principal_invested = $4::numeric, version = $5
        WHERE id = $1 AND version = $6
    `, c.AccountID, c.Next.CashBalance.String(), sectors, c.Next.PrincipalInvested.String(), c.Next.Version, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", c.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_accounts WHERE id = $1)`, c.AccountID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", store.ErrNotFound, c.AccountID)
		}
		return store.ErrConflict
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO ledger_transactions (account_id, seq, entry)
        VALUES ($1, $2, $3)
    `, c.AccountID, c.Next.Version, entry); err != nil {
		return fmt.Errorf("appending to log of %s: %w", c.AccountID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing %s: %w", c.AccountID, err)
	}
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]model.Account, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM ledger_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := load(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
