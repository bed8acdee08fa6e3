package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// SeenTxCache implements domain.SeenTxCache with SET NX and a TTL. The live
// transaction stream and the account_tx backfill overlap for a short window
// after each subscription; marking hashes here keeps a payment from being
// processed twice across the two paths.
type SeenTxCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSeenTxCache creates a SeenTxCache backed by the given Client. Entries
// expire after ttl; the window only needs to outlive the backfill lookback.
func NewSeenTxCache(c *Client, ttl time.Duration) *SeenTxCache {
	return &SeenTxCache{
		rdb: c.Underlying(),
		ttl: ttl,
	}
}

func seenTxKey(txHash string) string {
	return "seen_tx:" + txHash
}

// MarkSeen records the transaction hash and reports whether it had already
// been recorded within the dedup window.
func (c *SeenTxCache) MarkSeen(ctx context.Context, txHash string) (bool, error) {
	set, err := c.rdb.SetNX(ctx, seenTxKey(txHash), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark seen %s: %w", txHash, err)
	}
	return !set, nil
}

// Forget removes the mark for a transaction hash so a redelivery is
// processed again.
func (c *SeenTxCache) Forget(ctx context.Context, txHash string) error {
	if err := c.rdb.Del(ctx, seenTxKey(txHash)).Err(); err != nil {
		return fmt.Errorf("redis: forget seen %s: %w", txHash, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SeenTxCache = (*SeenTxCache)(nil)
