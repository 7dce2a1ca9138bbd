package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/pkg/crypto"
)

// Compare-and-delete / compare-and-extend so a holder whose lease expired
// cannot touch a lock someone else has since acquired.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager hands out leased, auto-expiring locks.
type LockManager struct {
	client redis.Cmdable
}

func NewLockManager(client redis.Cmdable) *LockManager {
	return &LockManager{client: client}
}

// Lease is a held lock.
type Lease struct {
	client redis.Cmdable
	Key    string
	Holder string
	TTL    time.Duration
}

// TryAcquire takes the lock without blocking. It returns nil and no error
// when another holder has it.
func (m *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	holder, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	acquired, err := m.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}
	return &Lease{client: m.client, Key: key, Holder: holder, TTL: ttl}, nil
}

// Extend pushes the expiry out by the lease TTL.
func (l *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.Key}, l.Holder, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.Key, err)
	}
	if res == 0 {
		return fmt.Errorf("extend lock %s: %w", l.Key, domainerrors.ErrLockNotHeld)
	}
	return nil
}

// Release deletes the lock if this lease still holds it.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.Key}, l.Holder).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.Key, err)
	}
	if res == 0 {
		return fmt.Errorf("release lock %s: %w", l.Key, domainerrors.ErrLockNotHeld)
	}
	return nil
}
