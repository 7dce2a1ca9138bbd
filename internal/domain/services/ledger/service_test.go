package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/infrastructure/cache"
	"github.com/rail-service/custody_service/pkg/logger"
)

// memRepo enforces UNIQUE(kind, external_ref) like the postgres schema.
type memRepo struct {
	mu       sync.Mutex
	entries  map[string]*entities.LedgerEntry
	balances map[uuid.UUID]decimal.Decimal
	frozen   map[uuid.UUID]decimal.Decimal
}

func newMemRepo() *memRepo {
	return &memRepo{
		entries:  map[string]*entities.LedgerEntry{},
		balances: map[uuid.UUID]decimal.Decimal{},
		frozen:   map[uuid.UUID]decimal.Decimal{},
	}
}

func (r *memRepo) ApplyEntry(ctx context.Context, entry *entities.LedgerEntry) error {
	return r.ApplyEntries(ctx, decimal.Zero, entry)
}

func (r *memRepo) ApplyEntries(ctx context.Context, unfreeze decimal.Decimal, entries ...*entities.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID := entries[0].UserID
	balance := r.balances[userID]
	for _, e := range entries {
		if _, ok := r.entries[string(e.Kind)+"|"+e.ExternalRef]; ok {
			return domainerrors.ErrDuplicateEntry
		}
		e.BalanceBefore = balance
		switch {
		case e.Kind == entities.EntryKindDeposit:
			balance = balance.Add(e.Amount)
		case e.Kind.IsDebit():
			if balance.LessThan(e.Amount) {
				return domainerrors.ErrInsufficientFunds
			}
			balance = balance.Sub(e.Amount)
		}
		e.BalanceAfter = balance
	}
	for _, e := range entries {
		r.entries[string(e.Kind)+"|"+e.ExternalRef] = e
	}
	r.balances[userID] = balance
	r.frozen[userID] = decimal.Max(decimal.Zero, r.frozen[userID].Sub(unfreeze))
	return nil
}

func (r *memRepo) GetAccount(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[userID]
	if !ok {
		return nil, domainerrors.ErrAccountNotFound
	}
	return &entities.LedgerAccount{UserID: userID, Currency: "USDT", Balance: b, Frozen: r.frozen[userID]}, nil
}

func (r *memRepo) ListEntries(ctx context.Context, filter entities.HistoryFilter) ([]*entities.LedgerEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.LedgerEntry
	for _, e := range r.entries {
		if e.UserID == filter.UserID && (filter.Kind == nil || *filter.Kind == e.Kind) {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (r *memRepo) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[userID].Sub(r.frozen[userID]).LessThan(amount) {
		return domainerrors.ErrInsufficientFunds
	}
	r.frozen[userID] = r.frozen[userID].Add(amount)
	return nil
}

func (r *memRepo) Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen[userID] = decimal.Max(decimal.Zero, r.frozen[userID].Sub(amount))
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type invalidations struct {
	mu    sync.Mutex
	addrs []string
}

func (i *invalidations) Invalidate(address string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.addrs = append(i.addrs, address)
}

type brokenIndex struct{}

func (brokenIndex) Seen(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (brokenIndex) Mark(ctx context.Context, key string) error {
	return errors.New("redis: connection refused")
}

func newTestService(t *testing.T) (*Service, *memRepo, *miniredis.Miniredis, *invalidations) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemRepo()
	inv := &invalidations{}
	svc := NewService(repo, cache.NewIdempotencyIndex(client, "processed_tx", 24*time.Hour), inv, "USDT", logger.New("debug", "test"))
	return svc, repo, mr, inv
}

func deposit(userID uuid.UUID) *entities.DepositEvent {
	return &entities.DepositEvent{
		TxHash:      "0xabc",
		LogIndex:    entities.NativeLogIndex,
		BlockNumber: 101,
		To:          "0x1111111111111111111111111111111111111111",
		UserID:      userID,
		Amount:      decimal.NewFromInt(10),
		Asset:       entities.AssetNative,
		DetectedAt:  time.Now(),
	}
}

func TestProcessDeposit_DuplicateIsNoOp(t *testing.T) {
	svc, repo, mr, inv := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	outcome, err := svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)
	assert.True(t, mr.Exists("processed_tx:0xabc:-1"))

	outcome, err = svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	account, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(account.Balance))
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, []string{"0x1111111111111111111111111111111111111111"}, inv.addrs)
}

func TestProcessDeposit_ConstraintCatchesExpiredIndex(t *testing.T) {
	svc, repo, mr, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)
	require.False(t, mr.Exists("processed_tx:0xabc:-1"))

	outcome, err := svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, repo.count())
	assert.True(t, mr.Exists("processed_tx:0xabc:-1"))
}

func TestProcessDeposit_IndexOutageFallsBackToConstraint(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, brokenIndex{}, &invalidations{}, "USDT", logger.New("debug", "test"))
	ctx := context.Background()
	userID := uuid.New()

	outcome, err := svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)

	outcome, err = svc.ProcessDeposit(ctx, deposit(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, repo.count())
}

func TestProcessDeposit_ConcurrentDeliveryCreditsOnce(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	userID := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.ProcessDeposit(context.Background(), deposit(userID))
			assert.NoError(t, err)
			if outcome == OutcomeCredited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, credited)
	assert.Equal(t, 1, repo.count())
	account, err := svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(account.Balance))
}

func TestProcessDeposit_TwoLogsInOneTransactionAreDistinct(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	userID := uuid.New()

	first := deposit(userID)
	first.Asset = entities.AssetToken
	first.LogIndex = 0
	second := deposit(userID)
	second.Asset = entities.AssetToken
	second.LogIndex = 3

	for _, e := range []*entities.DepositEvent{first, second} {
		outcome, err := svc.ProcessDeposit(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCredited, outcome)
	}
	assert.Equal(t, 2, repo.count())
}

func TestProcessDeposit_RejectsInvalidEvent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	e := deposit(uuid.New())
	e.Amount = decimal.Zero

	_, err := svc.ProcessDeposit(context.Background(), e)
	assert.Error(t, err)
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	account, err := svc.GetBalance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())
	assert.Equal(t, "USDT", account.Currency)
}

func TestGetHistory_RejectsUnknownKind(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	kind := entities.EntryKind("bonus")
	_, err := svc.GetHistory(context.Background(), entities.HistoryFilter{UserID: uuid.New(), Kind: &kind})
	assert.True(t, domainerrors.IsInvalidInput(err))
}

func TestSettleWithdrawal_DebitsNetAndFee(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	e := deposit(userID)
	e.Amount = decimal.NewFromInt(250)
	_, err := svc.ProcessDeposit(ctx, e)
	require.NoError(t, err)
	require.NoError(t, svc.Freeze(ctx, userID, decimal.NewFromInt(100)))

	w := &entities.Withdrawal{
		ID:        uuid.New(),
		UserID:    userID,
		ToAddress: "0x3333333333333333333333333333333333333333",
		Amount:    decimal.NewFromInt(100),
		Fee:       decimal.NewFromInt(3),
		NetAmount: decimal.NewFromInt(97),
	}
	require.NoError(t, svc.SettleWithdrawal(ctx, w, "0xfeed"))
	require.NoError(t, svc.SettleWithdrawal(ctx, w, "0xfeed"))

	account, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(account.Balance))
	assert.True(t, account.Frozen.IsZero())
	assert.Equal(t, 3, repo.count())
}
