// Package cache keeps a short-lived copy of account balances in Redis
// so read-heavy balance endpoints do not hit the database on every
// request. The ledger remains the source of truth; entries are
// invalidated on every mutation and expire on their own regardless.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const balanceKeyPrefix = "balance:"

// ErrInvalidCache indicates the cache was constructed without a client.
var ErrInvalidCache = errors.New("cache: redis client is required")

// Balances caches account balances keyed by account id.
type Balances struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalances returns a balance cache with the supplied entry lifetime.
func NewBalances(client *redis.Client, ttl time.Duration) (*Balances, error) {
	if client == nil {
		return nil, ErrInvalidCache
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Balances{client: client, ttl: ttl}, nil
}

// Get returns the cached balance and whether an entry was present. A
// missing entry is not an error.
func (balances *Balances) Get(ctx context.Context, accountID string) (int64, bool, error) {
	raw, err := balances.client.Get(ctx, balanceKeyPrefix+accountID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

// Set stores the balance for the configured lifetime.
func (balances *Balances) Set(ctx context.Context, accountID string, balance int64) error {
	return balances.client.Set(ctx, balanceKeyPrefix+accountID, strconv.FormatInt(balance, 10), balances.ttl).Err()
}

// Invalidate drops the cached entry for the account.
func (balances *Balances) Invalidate(ctx context.Context, accountID string) error {
	return balances.client.Del(ctx, balanceKeyPrefix+accountID).Err()
}
