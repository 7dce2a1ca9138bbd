package withdrawal

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/confirmation"
	"github.com/rail-service/custody_service/internal/domain/services/fees"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
)

const recipient = "0x5555555555555555555555555555555555555555"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]entities.Withdrawal
	spent     decimal.Decimal
	sumErr    error
	history   []entities.WithdrawalStatus
	hashes    []string
	updateErr func(w *entities.Withdrawal) error
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[uuid.UUID]entities.Withdrawal)}
}

func (r *memRepo) Create(_ context.Context, w *entities.Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[w.ID] = *w
	r.history = append(r.history, w.Status)
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*entities.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.items[id]
	if !ok {
		return nil, domainerrors.ErrWithdrawalNotFound
	}
	return &w, nil
}

func (r *memRepo) GetByUserID(_ context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Withdrawal
	for _, w := range r.items {
		if w.UserID == userID {
			w := w
			out = append(out, &w)
		}
	}
	return out, nil
}

func (r *memRepo) Update(_ context.Context, w *entities.Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		if err := r.updateErr(w); err != nil {
			return err
		}
	}
	hash := ""
	if w.TxHash != nil {
		hash = *w.TxHash
	}
	r.hashes = append(r.hashes, hash)
	r.items[w.ID] = *w
	r.history = append(r.history, w.Status)
	return nil
}

func (r *memRepo) SumSince(context.Context, uuid.UUID, time.Time) (decimal.Decimal, error) {
	return r.spent, r.sumErr
}

func (r *memRepo) ListStale(_ context.Context, status entities.WithdrawalStatus, before time.Time, limit int) ([]*entities.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Withdrawal
	for _, w := range r.items {
		if w.Status == status && w.UpdatedAt.Before(before) && len(out) < limit {
			w := w
			out = append(out, &w)
		}
	}
	return out, nil
}

func (r *memRepo) put(w entities.Withdrawal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[w.ID] = w
}

func (r *memRepo) get(id uuid.UUID) entities.Withdrawal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

type fakeLedger struct {
	mu        sync.Mutex
	available decimal.Decimal
	frozen    decimal.Decimal
	settled   []string
}

func (l *fakeLedger) Freeze(_ context.Context, _ uuid.UUID, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available.LessThan(amount) {
		return domainerrors.InsufficientFundsError(l.available.String(), amount.String())
	}
	l.available = l.available.Sub(amount)
	l.frozen = l.frozen.Add(amount)
	return nil
}

func (l *fakeLedger) Unfreeze(_ context.Context, _ uuid.UUID, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = l.available.Add(amount)
	l.frozen = l.frozen.Sub(amount)
	return nil
}

func (l *fakeLedger) SettleWithdrawal(_ context.Context, w *entities.Withdrawal, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = l.frozen.Sub(w.Amount)
	l.settled = append(l.settled, txHash)
	return nil
}

func (l *fakeLedger) balances() (decimal.Decimal, decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available, l.frozen
}

type recordingFees struct {
	*fees.Splitter
	mu     sync.Mutex
	routed []string
}

func (f *recordingFees) RouteProfit(_ context.Context, w *entities.Withdrawal, txHash string) (*entities.FeeProfitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, txHash)
	return &entities.FeeProfitRecord{WithdrawalID: w.ID, ProfitAmount: w.Fee.Sub(decimal.NewFromInt(1))}, nil
}

func (f *recordingFees) routedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routed)
}

// fakeSender signs by numbering transfers. signErr fails before the hook,
// err is a rejection after it and unknown loses the provider's answer.
type fakeSender struct {
	mu      sync.Mutex
	sent    []chain.Transfer
	signErr error
	err     error
	unknown bool
}

func (s *fakeSender) Send(_ context.Context, t chain.Transfer, onSigned chain.SignedHook) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return common.Hash{}, s.signErr
	}
	hash := common.BigToHash(big.NewInt(int64(len(s.sent) + 1)))
	if onSigned != nil {
		if err := onSigned(hash); err != nil {
			return common.Hash{}, err
		}
	}
	if s.err != nil {
		return common.Hash{}, s.err
	}
	s.sent = append(s.sent, t)
	if s.unknown {
		return hash, fmt.Errorf("%w: eth_sendRawTransaction timeout after 3 attempt(s)", chain.ErrBroadcastUnknown)
	}
	return hash, nil
}

type staticKey struct{ key *ecdsa.PrivateKey }

func (k staticKey) MasterKey() *ecdsa.PrivateKey { return k.key }

type fixedConfirmer struct {
	status confirmation.Status
	err    error
}

func (c fixedConfirmer) WaitForConfirmation(_ context.Context, hash common.Hash, _ uint64, _ time.Duration) (*confirmation.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &confirmation.Result{Status: c.status, TxHash: hash.Hex()}, nil
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	ledger *fakeLedger
	fees   *recordingFees
	sender *fakeSender
}

func newFixture(t *testing.T, confirmer Confirmer) *fixture {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	log := logger.New("debug", "test")
	f := &fixture{
		repo:   newMemRepo(),
		ledger: &fakeLedger{available: dec("1000")},
		fees: &recordingFees{Splitter: fees.NewSplitter(nil, nil, nil, fees.Config{
			Schedule: fees.DefaultSchedule(),
		}, log)},
		sender: &fakeSender{},
	}
	f.svc = NewService(f.repo, f.ledger, f.fees, f.sender, staticKey{key}, confirmer, Config{
		MinAmount:             dec("10"),
		MaxAmount:             dec("5000"),
		DailyLimit:            dec("2000"),
		Timeout:               time.Minute,
		RequiredConfirmations: 3,
		Token:                 common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		TokenDecimals:         6,
		GasLimit:              100000,
	}, log)
	return f
}

func request(amount string) *entities.WithdrawalRequest {
	return &entities.WithdrawalRequest{UserID: uuid.New(), ToAddress: recipient, Amount: dec(amount)}
}

func TestRequestWithdrawal_CompletesAndRoutesProfit(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})

	w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.NoError(t, err)
	assert.Equal(t, entities.WithdrawalStatusPending, w.Status)
	assert.Equal(t, "3", w.Fee.String())
	assert.Equal(t, "97", w.NetAmount.String())

	f.svc.Wait()

	got := f.repo.get(w.ID)
	assert.Equal(t, entities.WithdrawalStatusCompleted, got.Status)
	require.NotNil(t, got.TxHash)
	assert.NotNil(t, got.ProcessedAt)

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, common.HexToAddress(recipient), sent.To)
	assert.Equal(t, 0, sent.Amount.Cmp(big.NewInt(97_000_000)))

	available, frozen := f.ledger.balances()
	assert.Equal(t, "900", available.String())
	assert.True(t, frozen.IsZero())
	assert.Equal(t, []string{*got.TxHash}, f.ledger.settled)
	assert.Equal(t, 1, f.fees.routedCount())
	// the hash is stored while still pending, before the broadcast
	assert.Equal(t, []entities.WithdrawalStatus{
		entities.WithdrawalStatusPending,
		entities.WithdrawalStatusPending,
		entities.WithdrawalStatusBroadcast,
		entities.WithdrawalStatusCompleted,
	}, f.repo.history)
	assert.Equal(t, *got.TxHash, f.repo.hashes[0])
}

func TestRequestWithdrawal_RejectedBroadcastReleasesFunds(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *fakeSender)
		wantMsg string
	}{
		{"signing fails", func(s *fakeSender) { s.signErr = errors.New("fetch nonce: connection refused") }, "fetch nonce"},
		{"provider refuses", func(s *fakeSender) { s.err = errors.New("insufficient funds for gas") }, "insufficient funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
			tt.setup(f.sender)

			w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
			require.NoError(t, err)
			f.svc.Wait()

			got := f.repo.get(w.ID)
			assert.Equal(t, entities.WithdrawalStatusFailed, got.Status)
			assert.Nil(t, got.TxHash)
			require.NotNil(t, got.ErrorMessage)
			assert.Contains(t, *got.ErrorMessage, tt.wantMsg)

			available, frozen := f.ledger.balances()
			assert.Equal(t, "1000", available.String())
			assert.True(t, frozen.IsZero())
			assert.Zero(t, f.fees.routedCount())
		})
	}
}

func TestRequestWithdrawal_HashPersistFailureAbortsBeforeBroadcast(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
	calls := 0
	f.repo.updateErr = func(w *entities.Withdrawal) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Empty(t, f.sender.sent)
	assert.Equal(t, entities.WithdrawalStatusFailed, f.repo.get(w.ID).Status)
	available, _ := f.ledger.balances()
	assert.Equal(t, "1000", available.String())
}

func TestRequestWithdrawal_UnacknowledgedBroadcastKeepsReservation(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusTimedOut})
	f.sender.unknown = true

	w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.NoError(t, err)
	f.svc.Wait()

	got := f.repo.get(w.ID)
	assert.Equal(t, entities.WithdrawalStatusBroadcast, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Nil(t, got.ErrorMessage)

	available, frozen := f.ledger.balances()
	assert.Equal(t, "900", available.String())
	assert.Equal(t, "100", frozen.String())
	assert.Zero(t, f.fees.routedCount())
}

func TestRequestWithdrawal_UnacknowledgedBroadcastResolvedByChain(t *testing.T) {
	tests := []struct {
		name      string
		status    confirmation.Status
		want      entities.WithdrawalStatus
		available string
		routed    int
	}{
		{"mined", confirmation.StatusConfirmed, entities.WithdrawalStatusCompleted, "900", 1},
		{"never landed", confirmation.StatusNotFound, entities.WithdrawalStatusFailed, "1000", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedConfirmer{status: tt.status})
			f.sender.unknown = true

			w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
			require.NoError(t, err)
			f.svc.Wait()

			assert.Equal(t, tt.want, f.repo.get(w.ID).Status)
			available, frozen := f.ledger.balances()
			assert.Equal(t, tt.available, available.String())
			assert.True(t, frozen.IsZero())
			assert.Equal(t, tt.routed, f.fees.routedCount())
		})
	}
}

func TestRequestWithdrawal_FailureNotRecordedKeepsReservation(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusFailed})
	f.repo.updateErr = func(w *entities.Withdrawal) error {
		if w.Status == entities.WithdrawalStatusFailed {
			return errors.New("connection reset")
		}
		return nil
	}

	w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, entities.WithdrawalStatusBroadcast, f.repo.get(w.ID).Status)
	_, frozen := f.ledger.balances()
	assert.Equal(t, "100", frozen.String())
}

func TestRequestWithdrawal_RevertedTransactionReleasesFunds(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusFailed})

	w, err := f.svc.RequestWithdrawal(context.Background(), request("250"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, entities.WithdrawalStatusFailed, f.repo.get(w.ID).Status)
	available, _ := f.ledger.balances()
	assert.Equal(t, "1000", available.String())
	assert.Empty(t, f.ledger.settled)
	// profit split follows the broadcast, not the confirmation
	assert.Equal(t, 1, f.fees.routedCount())
}

func TestRequestWithdrawal_TimeoutKeepsReservation(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusTimedOut})

	w, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, entities.WithdrawalStatusBroadcast, f.repo.get(w.ID).Status)
	_, frozen := f.ledger.balances()
	assert.Equal(t, "100", frozen.String())
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *entities.WithdrawalRequest)
		spent   string
		wantErr error
	}{
		{"bad address", func(r *entities.WithdrawalRequest) { r.ToAddress = "not-an-address" }, "0", domainerrors.ErrInvalidInput},
		{"zero amount", func(r *entities.WithdrawalRequest) { r.Amount = decimal.Zero }, "0", domainerrors.ErrInvalidInput},
		{"below minimum", func(r *entities.WithdrawalRequest) { r.Amount = dec("5") }, "0", domainerrors.ErrWithdrawalLimitExceeded},
		{"above maximum", func(r *entities.WithdrawalRequest) { r.Amount = dec("6000") }, "0", domainerrors.ErrWithdrawalLimitExceeded},
		{"daily limit", func(r *entities.WithdrawalRequest) { r.Amount = dec("600") }, "1500", domainerrors.ErrWithdrawalLimitExceeded},
		{"insufficient funds", func(r *entities.WithdrawalRequest) { r.Amount = dec("1500") }, "0", domainerrors.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
			f.repo.spent = dec(tt.spent)
			req := request("100")
			tt.mutate(req)

			_, err := f.svc.RequestWithdrawal(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.repo.items)
			_, frozen := f.ledger.balances()
			assert.True(t, frozen.IsZero())
		})
	}
}

func TestRequestWithdrawal_DailyLimitLookupFailure(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
	f.repo.sumErr = errors.New("connection reset")

	_, err := f.svc.RequestWithdrawal(context.Background(), request("100"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily limit")
}

func TestGetWithdrawal_ScopedToOwner(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
	req := request("100")

	w, err := f.svc.RequestWithdrawal(context.Background(), req)
	require.NoError(t, err)
	f.svc.Wait()

	got, err := f.svc.GetWithdrawal(context.Background(), req.UserID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	_, err = f.svc.GetWithdrawal(context.Background(), uuid.New(), w.ID)
	assert.True(t, domainerrors.IsNotFound(err))

	_, err = f.svc.GetWithdrawal(context.Background(), req.UserID, uuid.New())
	assert.True(t, domainerrors.IsNotFound(err))

	list, err := f.svc.ListWithdrawals(context.Background(), req.UserID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func staleBroadcast(f *fixture, userID uuid.UUID, age time.Duration) entities.Withdrawal {
	hash := common.BigToHash(big.NewInt(99)).Hex()
	w := entities.Withdrawal{
		ID:        uuid.New(),
		UserID:    userID,
		ToAddress: recipient,
		Amount:    dec("100"),
		Fee:       dec("3"),
		NetAmount: dec("97"),
		Status:    entities.WithdrawalStatusBroadcast,
		TxHash:    &hash,
		UpdatedAt: time.Now().Add(-age),
	}
	f.repo.put(w)
	_ = f.ledger.Freeze(context.Background(), userID, w.Amount)
	return w
}

func TestReconcileBroadcast(t *testing.T) {
	tests := []struct {
		name      string
		status    confirmation.Status
		want      entities.WithdrawalStatus
		resolved  int
		available string
	}{
		{"confirmed settles", confirmation.StatusConfirmed, entities.WithdrawalStatusCompleted, 1, "900"},
		{"reverted releases", confirmation.StatusFailed, entities.WithdrawalStatusFailed, 1, "1000"},
		{"dropped releases", confirmation.StatusNotFound, entities.WithdrawalStatusFailed, 1, "1000"},
		{"still pending waits", confirmation.StatusTimedOut, entities.WithdrawalStatusBroadcast, 0, "900"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedConfirmer{status: tt.status})
			w := staleBroadcast(f, uuid.New(), time.Hour)

			resolved, err := f.svc.ReconcileBroadcast(context.Background(), 15*time.Minute, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.resolved, resolved)
			assert.Equal(t, tt.want, f.repo.get(w.ID).Status)
			available, _ := f.ledger.balances()
			assert.Equal(t, tt.available, available.String())
		})
	}
}

func stalePending(f *fixture, withHash bool, age time.Duration) entities.Withdrawal {
	w := entities.Withdrawal{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		ToAddress: recipient,
		Amount:    dec("100"),
		Fee:       dec("3"),
		NetAmount: dec("97"),
		Status:    entities.WithdrawalStatusPending,
		UpdatedAt: time.Now().Add(-age),
	}
	if withHash {
		hash := common.BigToHash(big.NewInt(77)).Hex()
		w.TxHash = &hash
	}
	f.repo.put(w)
	_ = f.ledger.Freeze(context.Background(), w.UserID, w.Amount)
	return w
}

func TestReconcileBroadcast_PendingWithHashIsCheckedOnChain(t *testing.T) {
	tests := []struct {
		name      string
		status    confirmation.Status
		want      entities.WithdrawalStatus
		available string
		routed    int
	}{
		{"landed before the crash", confirmation.StatusConfirmed, entities.WithdrawalStatusCompleted, "900", 1},
		{"never sent", confirmation.StatusNotFound, entities.WithdrawalStatusFailed, "1000", 0},
		{"still in flight", confirmation.StatusTimedOut, entities.WithdrawalStatusPending, "900", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedConfirmer{status: tt.status})
			w := stalePending(f, true, time.Hour)

			_, err := f.svc.ReconcileBroadcast(context.Background(), 15*time.Minute, 10)
			require.NoError(t, err)

			got := f.repo.get(w.ID)
			assert.Equal(t, tt.want, got.Status)
			available, _ := f.ledger.balances()
			assert.Equal(t, tt.available, available.String())
			assert.Equal(t, tt.routed, f.fees.routedCount())
			if tt.want == entities.WithdrawalStatusCompleted {
				assert.Equal(t, []string{*w.TxHash}, f.ledger.settled)
			}
		})
	}
}

func TestReconcileBroadcast_PendingWithoutHashIsReleased(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
	w := stalePending(f, false, time.Hour)
	fresh := stalePending(f, false, 10*time.Second)

	resolved, err := f.svc.ReconcileBroadcast(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got := f.repo.get(w.ID)
	assert.Equal(t, entities.WithdrawalStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "before signing")
	assert.Equal(t, entities.WithdrawalStatusPending, f.repo.get(fresh.ID).Status)

	// only the stale reservation is returned
	available, frozen := f.ledger.balances()
	assert.Equal(t, "900", available.String())
	assert.Equal(t, "100", frozen.String())
}

func TestReconcileBroadcast_SkipsRecentWithdrawals(t *testing.T) {
	f := newFixture(t, fixedConfirmer{status: confirmation.StatusConfirmed})
	// younger than the one-minute processing timeout, even though the
	// caller asked for anything older than a second
	w := staleBroadcast(f, uuid.New(), 30*time.Second)

	resolved, err := f.svc.ReconcileBroadcast(context.Background(), time.Second, 10)
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Equal(t, entities.WithdrawalStatusBroadcast, f.repo.get(w.ID).Status)
}
