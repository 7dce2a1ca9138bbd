package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// WatermarkStore persists the scanner's last fully processed block.
type WatermarkStore struct {
	client redis.Cmdable
	key    string
}

func NewWatermarkStore(client redis.Cmdable, key string) *WatermarkStore {
	return &WatermarkStore{client: client, key: key}
}

// Load returns the stored block and whether one exists.
func (s *WatermarkStore) Load(ctx context.Context) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load watermark: %w", err)
	}
	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark %q: %w", val, err)
	}
	return block, true, nil
}

// Save stores block with no expiry.
func (s *WatermarkStore) Save(ctx context.Context, block uint64) error {
	if err := s.client.Set(ctx, s.key, strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}
