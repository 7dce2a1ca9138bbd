package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyIndex is the fast "already processed" lookup in front of the
// ledger's unique constraint. Entries expire after ttl.
type IdempotencyIndex struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewIdempotencyIndex(client redis.Cmdable, prefix string, ttl time.Duration) *IdempotencyIndex {
	return &IdempotencyIndex{client: client, prefix: prefix, ttl: ttl}
}

func (i *IdempotencyIndex) key(k string) string {
	return i.prefix + ":" + k
}

// Seen reports whether key was marked within the ttl.
func (i *IdempotencyIndex) Seen(ctx context.Context, key string) (bool, error) {
	n, err := i.client.Exists(ctx, i.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// Mark records key as processed.
func (i *IdempotencyIndex) Mark(ctx context.Context, key string) error {
	if err := i.client.Set(ctx, i.key(key), time.Now().UTC().Format(time.RFC3339), i.ttl).Err(); err != nil {
		return fmt.Errorf("mark idempotency key: %w", err)
	}
	return nil
}
