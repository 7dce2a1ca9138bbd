package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/pkg/logger"
)

const watched = "0x1111111111111111111111111111111111111111"

type fakeFetcher struct {
	mu          sync.Mutex
	nativeCalls int
	tokenCalls  int
	native      *big.Int
	token       *big.Int
	err         error
	// onToken runs while a token fetch is in flight
	onToken func()
}

func (f *fakeFetcher) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nativeCalls++
	return f.native, f.err
}

func (f *fakeFetcher) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.onToken != nil {
		f.onToken()
	}
	return f.token, f.err
}

func newTestCache(t *testing.T, f *fakeFetcher, clock *time.Time) *Cache {
	t.Helper()
	c, err := NewCache(f, Config{
		TTL:            30 * time.Second,
		Token:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		NativeDecimals: 18,
		TokenDecimals:  6,
	}, logger.New("debug", "test"))
	require.NoError(t, err)
	c.now = func() time.Time { return *clock }
	return c
}

func TestCache_ServesFreshEntryWithinTTL(t *testing.T) {
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{token: big.NewInt(150_500_000)}
	c := newTestCache(t, f, &clock)
	ctx := context.Background()

	amount, err := c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.5").Equal(amount))

	clock = clock.Add(29 * time.Second)
	_, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tokenCalls)

	clock = clock.Add(2 * time.Second)
	_, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.tokenCalls)
}

func TestCache_BypassAlwaysFetches(t *testing.T) {
	clock := time.Now()
	f := &fakeFetcher{native: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)}
	c := newTestCache(t, f, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		amount, err := c.GetBalance(ctx, watched, entities.AssetNative, true)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1).Equal(amount))
	}
	assert.Equal(t, 3, f.nativeCalls)
}

func TestCache_InvalidateDropsAllAssets(t *testing.T) {
	clock := time.Now()
	f := &fakeFetcher{native: big.NewInt(1), token: big.NewInt(1)}
	c := newTestCache(t, f, &clock)
	ctx := context.Background()

	_, err := c.GetBalance(ctx, watched, entities.AssetNative, false)
	require.NoError(t, err)
	_, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)

	c.Invalidate("0x1111111111111111111111111111111111111111")

	_, err = c.GetBalance(ctx, watched, entities.AssetNative, false)
	require.NoError(t, err)
	_, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.nativeCalls)
	assert.Equal(t, 2, f.tokenCalls)
}

func TestCache_InvalidateDuringFetchDiscardsResult(t *testing.T) {
	clock := time.Now()
	f := &fakeFetcher{token: big.NewInt(40_000_000)}
	c := newTestCache(t, f, &clock)
	ctx := context.Background()

	f.onToken = func() { c.Invalidate(watched) }
	amount, err := c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(amount))

	// The sweep that triggered the invalidation emptied the address.
	f.onToken = nil
	f.token = big.NewInt(0)
	amount, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
	assert.Equal(t, 2, f.tokenCalls)

	_, err = c.GetBalance(ctx, watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.tokenCalls)
}

func TestCache_FetchErrorIsNotCached(t *testing.T) {
	clock := time.Now()
	f := &fakeFetcher{err: errors.New("provider down")}
	c := newTestCache(t, f, &clock)

	_, err := c.GetBalance(context.Background(), watched, entities.AssetToken, false)
	require.Error(t, err)

	f.err = nil
	f.token = big.NewInt(5_000_000)
	amount, err := c.GetBalance(context.Background(), watched, entities.AssetToken, false)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(amount))
}

func TestCache_RejectsInvalidInput(t *testing.T) {
	clock := time.Now()
	c := newTestCache(t, &fakeFetcher{}, &clock)

	_, err := c.GetBalance(context.Background(), "not-an-address", entities.AssetToken, false)
	assert.Error(t, err)
	_, err = c.GetBalance(context.Background(), watched, entities.AssetKind("nft"), false)
	assert.Error(t, err)
}
