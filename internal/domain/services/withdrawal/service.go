package withdrawal

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/confirmation"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
)

// Repository persists withdrawals
type Repository interface {
	Create(ctx context.Context, w *entities.Withdrawal) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error)
	GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error)
	Update(ctx context.Context, w *entities.Withdrawal) error
	SumSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)
	ListStale(ctx context.Context, status entities.WithdrawalStatus, before time.Time, limit int) ([]*entities.Withdrawal, error)
}

// Ledger reserves and settles user funds
type Ledger interface {
	Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	SettleWithdrawal(ctx context.Context, w *entities.Withdrawal, txHash string) error
}

// Fees prices withdrawals and routes the margin
type Fees interface {
	CalculateCustomerFee(amount decimal.Decimal) decimal.Decimal
	RouteProfit(ctx context.Context, w *entities.Withdrawal, originalTxHash string) (*entities.FeeProfitRecord, error)
}

// Sender signs and broadcasts transfers. onSigned sees the hash before the
// transaction leaves the process.
type Sender interface {
	Send(ctx context.Context, t chain.Transfer, onSigned chain.SignedHook) (common.Hash, error)
}

// MasterKey returns the key of the paying wallet
type MasterKey interface {
	MasterKey() *ecdsa.PrivateKey
}

// Confirmer waits for a broadcast transaction to settle
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, txHash common.Hash, required uint64, timeout time.Duration) (*confirmation.Result, error)
}

// Config holds withdrawal configuration
type Config struct {
	MinAmount             decimal.Decimal
	MaxAmount             decimal.Decimal
	DailyLimit            decimal.Decimal
	Timeout               time.Duration
	RecheckTimeout        time.Duration
	RequiredConfirmations uint64
	Token                 common.Address
	TokenDecimals         int32
	GasLimit              uint64
}

// Service handles user withdrawals from the master wallet
type Service struct {
	repo      Repository
	ledger    Ledger
	fees      Fees
	sender    Sender
	keys      MasterKey
	confirmer Confirmer
	cfg       Config
	logger    *logger.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// NewService creates a new withdrawal service
func NewService(
	repo Repository,
	ledger Ledger,
	fees Fees,
	sender Sender,
	keys MasterKey,
	confirmer Confirmer,
	cfg Config,
	logger *logger.Logger,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RecheckTimeout <= 0 {
		cfg.RecheckTimeout = 30 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		fees:      fees,
		sender:    sender,
		keys:      keys,
		confirmer: confirmer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestWithdrawal validates the request, reserves the gross amount and
// processes the payout in the background.
func (s *Service) RequestWithdrawal(ctx context.Context, req *entities.WithdrawalRequest) (*entities.Withdrawal, error) {
	s.logger.Info("Withdrawal requested",
		"user_id", req.UserID.String(),
		"amount", req.Amount.String(),
		"to_address", req.ToAddress)

	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	fee := s.fees.CalculateCustomerFee(req.Amount)
	if !req.Amount.GreaterThan(fee) {
		return nil, domainerrors.ValidationError("amount", fmt.Sprintf("amount must exceed the fee of %s", fee.String()))
	}

	if err := s.ledger.Freeze(ctx, req.UserID, req.Amount); err != nil {
		s.logger.Warn("Withdrawal rejected, could not reserve funds",
			"user_id", req.UserID.String(),
			"amount", req.Amount.String(),
			"error", err)
		return nil, err
	}

	now := s.now().UTC()
	w := &entities.Withdrawal{
		ID:        uuid.New(),
		UserID:    req.UserID,
		ToAddress: common.HexToAddress(req.ToAddress).Hex(),
		Amount:    req.Amount,
		Fee:       fee,
		NetAmount: req.Amount.Sub(fee),
		Status:    entities.WithdrawalStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, w); err != nil {
		s.logger.Error("Failed to create withdrawal record", "error", err, "user_id", req.UserID.String())
		if unfreezeErr := s.ledger.Unfreeze(ctx, req.UserID, req.Amount); unfreezeErr != nil {
			s.logger.Error("Failed to release reservation", "error", unfreezeErr, "user_id", req.UserID.String())
		}
		return nil, fmt.Errorf("failed to create withdrawal record: %w", err)
	}

	s.wg.Add(1)
	go func(w entities.Withdrawal) {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		s.process(ctx, &w)
	}(*w)

	s.logger.Info("Withdrawal initiated",
		"withdrawal_id", w.ID.String(),
		"fee", fee.String(),
		"net_amount", w.NetAmount.String())
	return w, nil
}

func (s *Service) validate(ctx context.Context, req *entities.WithdrawalRequest) error {
	if req.UserID == uuid.Nil {
		return domainerrors.ValidationError("user_id", "user_id is required")
	}
	if !common.IsHexAddress(req.ToAddress) {
		return domainerrors.ValidationError("to_address", domainerrors.ErrInvalidAddress.Error())
	}
	if !req.Amount.IsPositive() {
		return domainerrors.ValidationError("amount", domainerrors.ErrInvalidAmount.Error())
	}
	if req.Amount.LessThan(s.cfg.MinAmount) {
		return domainerrors.WithdrawalLimitError("min_amount", s.cfg.MinAmount.String())
	}
	if req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return domainerrors.WithdrawalLimitError("max_amount", s.cfg.MaxAmount.String())
	}

	spent, err := s.repo.SumSince(ctx, req.UserID, s.now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("check daily limit: %w", err)
	}
	if spent.Add(req.Amount).GreaterThan(s.cfg.DailyLimit) {
		return domainerrors.WithdrawalLimitError("daily_limit", s.cfg.DailyLimit.Sub(spent).String())
	}
	return nil
}

// process broadcasts the payout and settles or releases the reservation.
// The tx hash is stored before broadcast so a crash or a lost provider answer
// always leaves something the reconciler can look up on chain.
func (s *Service) process(ctx context.Context, w *entities.Withdrawal) {
	s.logger.Info("Processing withdrawal", "withdrawal_id", w.ID.String())

	hash, err := s.sender.Send(ctx, chain.Transfer{
		Key:      s.keys.MasterKey(),
		To:       common.HexToAddress(w.ToAddress),
		Token:    &s.cfg.Token,
		Amount:   chain.FromDecimal(w.NetAmount, s.cfg.TokenDecimals),
		GasLimit: s.cfg.GasLimit,
	}, func(h common.Hash) error {
		txHash := h.Hex()
		w.TxHash = &txHash
		return s.repo.Update(ctx, w)
	})
	unknown := errors.Is(err, chain.ErrBroadcastUnknown)
	if err != nil && !unknown {
		w.TxHash = nil
		s.fail(w, fmt.Errorf("broadcast: %w", err))
		return
	}

	txHash := hash.Hex()
	w.TxHash = &txHash
	w.Status = entities.WithdrawalStatusBroadcast
	if err := s.repo.Update(ctx, w); err != nil {
		s.logger.Error("Failed to persist withdrawal broadcast", "error", err, "withdrawal_id", w.ID.String(), "tx_hash", txHash)
	}

	if unknown {
		// Profit follows once the chain shows the payout.
		s.logger.Warn("Withdrawal broadcast unacknowledged, tracking by hash",
			"withdrawal_id", w.ID.String(),
			"tx_hash", txHash,
			"error", err)
	} else if _, err := s.fees.RouteProfit(ctx, w, txHash); err != nil {
		s.logger.Error("Profit routing failed", "error", err, "withdrawal_id", w.ID.String())
	}

	result, err := s.confirmer.WaitForConfirmation(ctx, hash, s.cfg.RequiredConfirmations, s.cfg.Timeout)
	if err != nil {
		s.logger.Error("Withdrawal confirmation interrupted, funds stay reserved",
			"withdrawal_id", w.ID.String(),
			"tx_hash", txHash,
			"error", err)
		return
	}

	switch result.Status {
	case confirmation.StatusConfirmed:
		s.complete(ctx, w, txHash, unknown)
	case confirmation.StatusTimedOut:
		// The transaction may still be mined; releasing the reservation here
		// could pay out twice.
		s.logger.Error("Withdrawal not confirmed in time, funds stay reserved",
			"withdrawal_id", w.ID.String(),
			"tx_hash", txHash,
			"elapsed", result.Elapsed.String())
	default:
		s.fail(w, fmt.Errorf("transaction %s %s", txHash, result.Status))
	}
}

func (s *Service) complete(ctx context.Context, w *entities.Withdrawal, txHash string, routeProfit bool) {
	if w.Status.IsTerminal() {
		return
	}
	if err := s.ledger.SettleWithdrawal(ctx, w, txHash); err != nil {
		s.logger.Error("Failed to settle withdrawal in ledger", "error", err, "withdrawal_id", w.ID.String())
		return
	}

	now := s.now().UTC()
	w.Status = entities.WithdrawalStatusCompleted
	w.ProcessedAt = &now
	if err := s.repo.Update(ctx, w); err != nil {
		s.logger.Error("Failed to mark withdrawal completed", "error", err, "withdrawal_id", w.ID.String())
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(entities.WithdrawalStatusCompleted)).Inc()
	s.logger.Info("Withdrawal completed",
		"withdrawal_id", w.ID.String(),
		"net_amount", w.NetAmount.String(),
		"tx_hash", txHash)

	if routeProfit {
		if _, err := s.fees.RouteProfit(ctx, w, txHash); err != nil {
			s.logger.Error("Profit routing failed", "error", err, "withdrawal_id", w.ID.String())
		}
	}
}

// fail marks the withdrawal failed and then releases the reservation. When
// the status cannot be recorded the funds stay frozen for the reconciler, so
// a reservation is never released twice. It runs on a fresh context so an
// expired processing deadline cannot strand funds.
func (s *Service) fail(w *entities.Withdrawal, cause error) {
	if w.Status.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Error("Withdrawal failed", "error", cause, "withdrawal_id", w.ID.String())

	prev := w.Status
	msg := cause.Error()
	now := s.now().UTC()
	w.Status = entities.WithdrawalStatusFailed
	w.ErrorMessage = &msg
	w.ProcessedAt = &now
	if err := s.repo.Update(ctx, w); err != nil {
		w.Status = prev
		s.logger.Error("Failed to mark withdrawal failed, reservation kept", "error", err, "withdrawal_id", w.ID.String())
		return
	}

	if err := s.ledger.Unfreeze(ctx, w.UserID, w.Amount); err != nil {
		s.logger.Error("Failed to release reservation", "error", err, "withdrawal_id", w.ID.String())
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(entities.WithdrawalStatusFailed)).Inc()
}

// ReconcileBroadcast re-checks withdrawals a timed-out wait, a lost provider
// answer or a restart left unresolved. Broadcast rows, and pending rows that
// already carry a hash, are looked up on chain and settled or released.
// Pending rows without a hash were never signed and are released. Only rows
// untouched for longer than the processing timeout are considered, so an
// in-flight payout is never raced.
func (s *Service) ReconcileBroadcast(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan < s.cfg.Timeout {
		olderThan = s.cfg.Timeout
	}
	cutoff := s.now().Add(-olderThan)

	resolved := 0
	for _, status := range []entities.WithdrawalStatus{entities.WithdrawalStatusBroadcast, entities.WithdrawalStatusPending} {
		stale, err := s.repo.ListStale(ctx, status, cutoff, limit)
		if err != nil {
			return resolved, fmt.Errorf("list %s withdrawals: %w", status, err)
		}
		for _, w := range stale {
			ok, err := s.recheck(ctx, w)
			if err != nil {
				return resolved, err
			}
			if ok {
				resolved++
			}
		}
	}
	return resolved, nil
}

// recheck resolves one stale withdrawal and reports whether it reached a
// terminal status.
func (s *Service) recheck(ctx context.Context, w *entities.Withdrawal) (bool, error) {
	if w.TxHash == nil || *w.TxHash == "" {
		if w.Status != entities.WithdrawalStatusPending {
			s.logger.Warn("Broadcast withdrawal has no tx hash", "withdrawal_id", w.ID.String())
			return false, nil
		}
		s.fail(w, errors.New("interrupted before signing"))
		return w.Status.IsTerminal(), nil
	}
	txHash := *w.TxHash

	result, err := s.confirmer.WaitForConfirmation(ctx, common.HexToHash(txHash), s.cfg.RequiredConfirmations, s.cfg.RecheckTimeout)
	if err != nil {
		return false, fmt.Errorf("re-check %s: %w", txHash, err)
	}

	switch result.Status {
	case confirmation.StatusConfirmed:
		s.complete(ctx, w, txHash, true)
	case confirmation.StatusTimedOut:
		s.logger.Info("Withdrawal still unconfirmed", "withdrawal_id", w.ID.String(), "tx_hash", txHash)
	default:
		s.fail(w, fmt.Errorf("transaction %s %s", txHash, result.Status))
	}
	return w.Status.IsTerminal(), nil
}

// GetWithdrawal returns a user's withdrawal
func (s *Service) GetWithdrawal(ctx context.Context, userID, id uuid.UUID) (*entities.Withdrawal, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domainerrors.ErrWithdrawalNotFound) {
			return nil, domainerrors.NotFoundError("WITHDRAWAL")
		}
		return nil, err
	}
	if w.UserID != userID {
		return nil, domainerrors.NotFoundError("WITHDRAWAL")
	}
	return w, nil
}

// ListWithdrawals returns a page of a user's withdrawals, newest first
func (s *Service) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetByUserID(ctx, userID, limit, offset)
}

// Wait blocks until in-flight withdrawals finish processing
func (s *Service) Wait() {
	s.wg.Wait()
}
