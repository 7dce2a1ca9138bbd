package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrInProgress is returned by Reserve when another request holds the key.
var ErrInProgress = errors.New("idempotent request still in progress")

// Record is the stored state of one Idempotency-Key.
type Record struct {
	Pending     bool            `json:"pending"`
	RequestHash string          `json:"request_hash"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Store keeps idempotency records in Redis.
type Store struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewStore(client redis.Cmdable, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

// Reserve claims key for a new request. When the key already exists the
// stored record is returned and reserved is false.
func (s *Store) Reserve(ctx context.Context, key, requestHash string) (existing *Record, reserved bool, err error) {
	pending, err := json.Marshal(Record{Pending: true, RequestHash: requestHash})
	if err != nil {
		return nil, false, err
	}

	ok, err := s.client.SetNX(ctx, s.key(key), pending, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; let the caller retry.
		return nil, false, ErrInProgress
	}
	if err != nil {
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, false, nil
}

// Complete stores the final response for key.
func (s *Store) Complete(ctx context.Context, key, requestHash string, status int, body []byte) error {
	now := time.Now().UTC()
	rec := Record{RequestHash: requestHash, Status: status, CompletedAt: &now}
	if json.Valid(body) {
		rec.Body = body
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops key so the request can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
