// Package redisstore keeps accounts in Redis. Each account is a hash holding
// the balance projection and version, plus a list holding the transaction
// log. Commits run as a Lua script so the version check, the projection
// update and the log append are one atomic step.
package redisstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alfalak/ledger/internal/model"
	"github.com/alfalak/ledger/internal/store"
)

//go:embed lua/commit.lua
var luaCommit string

//go:embed lua/create.lua
var luaCreate string

const keyIndex = "ledger:accounts"

func keyAccount(id string) string { return fmt.Sprintf("ledger:account:{%s}", id) }
func keyLog(id string) string     { return fmt.Sprintf("ledger:log:{%s}", id) }
func channel(id string) string    { return fmt.Sprintf("ledger:updates:{%s}", id) }

// Options configures Connect.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and checks the connection with PING.
func Connect(ctx context.Context, o Options) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            o.Addr,
		Password:        o.Password,
		DB:              o.DB,
		DialTimeout:     time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 200 * time.Millisecond,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			_ = cn.ClientSetName(ctx, "ledger").Err()
			return nil
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", o.Addr, err)
	}
	return rdb, nil
}

// Store is a store.Store and store.Subscriber backed by Redis.
type Store struct {
	rdb       redis.UniversalClient
	scrCommit *redis.Script
	scrCreate *redis.Script
}

// New wraps an existing client. Close closes the client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb:       rdb,
		scrCommit: redis.NewScript(luaCommit),
		scrCreate: redis.NewScript(luaCreate),
	}
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, accountID string) (model.Account, error) {
	var (
		hash *redis.MapStringStringCmd
		log  *redis.StringSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		hash = p.HGetAll(ctx, keyAccount(accountID))
		log = p.LRange(ctx, keyLog(accountID), 0, -1)
		return nil
	})
	if err != nil {
		return model.Account{}, fmt.Errorf("reading account %s: %w", accountID, err)
	}
	fields := hash.Val()
	if len(fields) == 0 {
		return model.Account{}, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
	}
	return decode(accountID, fields, log.Val())
}

func decode(accountID string, fields map[string]string, log []string) (model.Account, error) {
	var a model.Account
	if err := store.DecodeJSON([]byte(fields["doc"]), &a); err != nil {
		return model.Account{}, fmt.Errorf("decoding account %s: %w", accountID, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return model.Account{}, fmt.Errorf("decoding version of %s: %w", accountID, err)
	}
	if int64(len(log)) != version {
		return model.Account{}, fmt.Errorf("account %s: log has %d entries, version is %d", accountID, len(log), version)
	}
	a.Version = version
	a.Transactions = make([]model.Transaction, len(log))
	for i, raw := range log {
		if err := store.DecodeJSON([]byte(raw), &a.Transactions[i]); err != nil {
			return model.Account{}, fmt.Errorf("decoding transaction %d of %s: %w", i+1, accountID, err)
		}
	}
	return a, nil
}

// projection encodes the balance document without the log.
func projection(a model.Account) ([]byte, error) {
	doc := a
	doc.Transactions = nil
	return json.Marshal(doc)
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, a model.Account) error {
	if len(a.Transactions) != 0 || a.Version != 0 {
		return errors.New("create expects an empty account")
	}
	doc, err := projection(a)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}
	keys := []string{keyAccount(a.ID), keyLog(a.ID), keyIndex}
	code, err := s.scrCreate.Run(ctx, s.rdb, keys, string(doc), a.ID).Int64()
	if err != nil {
		return fmt.Errorf("creating account %s: %w", a.ID, err)
	}
	if code == 0 {
		return fmt.Errorf("%w: %s", store.ErrExists, a.ID)
	}
	return nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := store.CheckCommit(c); err != nil {
		return err
	}
	doc, err := projection(c.Next)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}
	txn, err := json.Marshal(c.Append)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}

	keys := []string{keyAccount(c.AccountID), keyLog(c.AccountID)}
	code, err := s.scrCommit.Run(ctx, s.rdb, keys, c.ExpectedVersion, string(doc), string(txn)).Int64()
	if err != nil {
		return fmt.Errorf("committing to %s: %w", c.AccountID, err)
	}
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", store.ErrNotFound, c.AccountID)
	case 0:
		return store.ErrConflict
	}

	// Subscribers re-read on notification; a lost publish only delays them.
	_ = s.rdb.Publish(ctx, channel(c.AccountID), c.Next.Version).Err()
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]model.Account, error) {
	ids, err := s.rdb.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	sort.Strings(ids)
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Subscribe implements store.Subscriber.
func (s *Store) Subscribe(ctx context.Context, accountID string) (<-chan model.Account, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return nil, err
	}
	sub := s.rdb.Subscribe(ctx, channel(accountID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", accountID, err)
	}

	out := make(chan model.Account, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				a, err := s.Get(ctx, accountID)
				if err != nil {
					continue
				}
				// Latest wins: drop an unread older snapshot.
				select {
				case <-out:
				default:
				}
				out <- a
			}
		}
	}()
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return s.rdb.Close() }
