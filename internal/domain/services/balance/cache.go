package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/allegro/bigcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
)

// Fetcher reads live balances from the chain
type Fetcher interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Config configures the balance cache
type Config struct {
	TTL            time.Duration
	Token          common.Address
	NativeDecimals int32
	TokenDecimals  int32
}

// CachedBalance is a balance observed at FetchedAt
type CachedBalance struct {
	Address   string          `json:"address"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Cache fronts on-chain balance lookups with a short TTL
type Cache struct {
	fetcher Fetcher
	store   *bigcache.BigCache
	cfg     Config
	logger  *logger.Logger
	now     func() time.Time

	// gens is bumped by Invalidate so a fetch that started earlier does not
	// store a balance read before the invalidation.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewCache creates a new balance cache. Entries are held by bigcache for
// twice the TTL; freshness is decided on read against the stored timestamp.
func NewCache(fetcher Fetcher, cfg Config, log *logger.Logger) (*Cache, error) {
	life := 2 * cfg.TTL
	if life < time.Second {
		life = time.Second
	}
	store, err := bigcache.NewBigCache(bigcache.Config{
		Shards:             64,
		LifeWindow:         life,
		CleanWindow:        life,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256,
		HardMaxCacheSize:   16,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create balance cache: %w", err)
	}
	return &Cache{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
		gens:    make(map[string]uint64),
	}, nil
}

func cacheKey(address string, asset entities.AssetKind) string {
	return string(asset) + ":" + entities.NormalizeAddress(address)
}

// GetBalance returns a cached balance younger than the TTL unless bypass is
// set, otherwise it fetches, stores and returns a fresh value.
func (c *Cache) GetBalance(ctx context.Context, address string, asset entities.AssetKind, bypass bool) (decimal.Decimal, error) {
	if err := asset.Validate(); err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	key := cacheKey(address, asset)

	if !bypass {
		if cached, ok := c.lookup(key); ok {
			metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
			return cached.Amount, nil
		}
		metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()
	} else {
		metrics.BalanceCacheLookups.WithLabelValues("bypass").Inc()
	}

	gen := c.generation(key)
	amount, err := c.fetch(ctx, common.HexToAddress(address), asset)
	if err != nil {
		return decimal.Zero, err
	}

	entry := CachedBalance{
		Address:   entities.NormalizeAddress(address),
		Asset:     string(asset),
		Amount:    amount,
		FetchedAt: c.now(),
	}
	if data, err := json.Marshal(entry); err == nil {
		c.storeIfCurrent(key, gen, data)
	}
	return amount, nil
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

func (c *Cache) storeIfCurrent(key string, gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		c.logger.Debug("Balance invalidated during fetch, not caching", "key", key)
		return
	}
	if err := c.store.Set(key, data); err != nil {
		c.logger.Warn("Failed to store balance in cache", "key", key, "error", err)
	}
}

func (c *Cache) lookup(key string) (*CachedBalance, bool) {
	data, err := c.store.Get(key)
	if err != nil {
		return nil, false
	}
	var entry CachedBalance
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if c.now().Sub(entry.FetchedAt) >= c.cfg.TTL {
		return nil, false
	}
	return &entry, true
}

func (c *Cache) fetch(ctx context.Context, addr common.Address, asset entities.AssetKind) (decimal.Decimal, error) {
	switch asset {
	case entities.AssetNative:
		raw, err := c.fetcher.BalanceAt(ctx, addr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fetch native balance of %s: %w", addr.Hex(), err)
		}
		return chain.ToDecimal(raw, c.cfg.NativeDecimals), nil
	default:
		raw, err := c.fetcher.TokenBalance(ctx, c.cfg.Token, addr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fetch token balance of %s: %w", addr.Hex(), err)
		}
		return chain.ToDecimal(raw, c.cfg.TokenDecimals), nil
	}
}

// Invalidate drops every asset entry for address
func (c *Cache) Invalidate(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, asset := range []entities.AssetKind{entities.AssetNative, entities.AssetToken} {
		key := cacheKey(address, asset)
		c.gens[key]++
		_ = c.store.Delete(key)
	}
}
