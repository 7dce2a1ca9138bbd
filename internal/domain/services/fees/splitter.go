package fees

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
)

// RecordStore persists profit routing records
type RecordStore interface {
	Create(ctx context.Context, rec *entities.FeeProfitRecord) error
	Update(ctx context.Context, rec *entities.FeeProfitRecord) error
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*entities.FeeProfitRecord, error)
	Stats(ctx context.Context, since time.Time) (*entities.FeeProfitStats, error)
}

// Sender broadcasts signed transfers
type Sender interface {
	Send(ctx context.Context, t chain.Transfer, onSigned chain.SignedHook) (common.Hash, error)
}

// MasterKey returns the key of the wallet that pays out withdrawals
type MasterKey interface {
	MasterKey() *ecdsa.PrivateKey
}

// Schedule is the tiered customer fee schedule
type Schedule struct {
	FixedFee          decimal.Decimal
	MinRate           decimal.Decimal
	MidRate           decimal.Decimal
	MaxRate           decimal.Decimal
	MidTierThreshold  decimal.Decimal
	HighTierThreshold decimal.Decimal
	ProviderFee       decimal.Decimal
}

// DefaultSchedule returns the standard fee schedule
func DefaultSchedule() Schedule {
	return Schedule{
		FixedFee:          decimal.NewFromInt(2),
		MinRate:           decimal.RequireFromString("0.01"),
		MidRate:           decimal.RequireFromString("0.03"),
		MaxRate:           decimal.RequireFromString("0.05"),
		MidTierThreshold:  decimal.NewFromInt(500),
		HighTierThreshold: decimal.NewFromInt(1000),
		ProviderFee:       decimal.NewFromInt(1),
	}
}

// Config holds splitter configuration
type Config struct {
	Schedule      Schedule
	ProfitAddress common.Address
	Token         common.Address
	TokenDecimals int32
	GasLimit      uint64
	MaxAttempts   int
	RetryBatch    int
}

// Splitter prices withdrawals and routes the margin to the profit address
type Splitter struct {
	records RecordStore
	sender  Sender
	keys    MasterKey
	cfg     Config
	logger  *logger.Logger
}

// NewSplitter creates a new fee splitter
func NewSplitter(records RecordStore, sender Sender, keys MasterKey, cfg Config, logger *logger.Logger) *Splitter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBatch < 1 {
		cfg.RetryBatch = 50
	}
	return &Splitter{records: records, sender: sender, keys: keys, cfg: cfg, logger: logger}
}

// RateFor returns the variable rate for amount: above the high threshold the
// max rate, above the mid threshold the mid rate, otherwise the min rate.
func (s *Splitter) RateFor(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.GreaterThan(s.cfg.Schedule.HighTierThreshold):
		return s.cfg.Schedule.MaxRate
	case amount.GreaterThan(s.cfg.Schedule.MidTierThreshold):
		return s.cfg.Schedule.MidRate
	default:
		return s.cfg.Schedule.MinRate
	}
}

// CalculateCustomerFee returns fixed fee + amount × tiered rate
func (s *Splitter) CalculateCustomerFee(amount decimal.Decimal) decimal.Decimal {
	return s.cfg.Schedule.FixedFee.Add(amount.Mul(s.RateFor(amount))).Round(6)
}

// CalculateProfit returns the customer fee less the provider's fee
func (s *Splitter) CalculateProfit(amount decimal.Decimal) decimal.Decimal {
	return s.CalculateCustomerFee(amount).Sub(s.cfg.Schedule.ProviderFee)
}

// Breakdown prices a withdrawal of amount
func (s *Splitter) Breakdown(amount decimal.Decimal) entities.FeeBreakdown {
	fee := s.CalculateCustomerFee(amount)
	return entities.FeeBreakdown{
		Amount:      amount,
		FixedFee:    s.cfg.Schedule.FixedFee,
		Rate:        s.RateFor(amount),
		CustomerFee: fee,
		NetAmount:   amount.Sub(fee),
		ProviderFee: s.cfg.Schedule.ProviderFee,
		Profit:      fee.Sub(s.cfg.Schedule.ProviderFee),
	}
}

// RouteProfit records the withdrawal's margin and tries to move it to the
// profit address. Transfer failures are recorded for the retry worker and are
// not returned; only persistence errors are.
func (s *Splitter) RouteProfit(ctx context.Context, w *entities.Withdrawal, originalTxHash string) (*entities.FeeProfitRecord, error) {
	b := s.Breakdown(w.Amount)
	rec := &entities.FeeProfitRecord{
		ID:             uuid.New(),
		WithdrawalID:   w.ID,
		OriginalAmount: w.Amount,
		CustomerFee:    w.Fee,
		ProviderFee:    b.ProviderFee,
		ProfitAmount:   w.Fee.Sub(b.ProviderFee),
		OriginalTxHash: originalTxHash,
		Status:         entities.FeeProfitStatusPending,
	}

	if !rec.ProfitAmount.IsPositive() || s.cfg.ProfitAddress == (common.Address{}) {
		rec.Status = entities.FeeProfitStatusSkipped
	}

	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, domainerrors.ErrDuplicateEntry) {
			s.logger.Warn("Profit already recorded for withdrawal", "withdrawal_id", w.ID)
			return nil, nil
		}
		return nil, err
	}

	if rec.Status == entities.FeeProfitStatusSkipped {
		metrics.FeeProfitTransfers.WithLabelValues("skipped").Inc()
		s.logger.Info("Profit routing skipped",
			"withdrawal_id", w.ID,
			"profit", rec.ProfitAmount.String())
		return rec, nil
	}

	if err := s.attempt(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// RetryFailed re-attempts failed profit transfers with attempts left. It
// returns how many were routed.
func (s *Splitter) RetryFailed(ctx context.Context) (int, error) {
	records, err := s.records.ListRetryable(ctx, s.cfg.MaxAttempts, s.cfg.RetryBatch)
	if err != nil {
		return 0, err
	}

	routed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := s.attempt(ctx, rec); err != nil {
			s.logger.Error("Failed to persist profit retry", "record_id", rec.ID, "error", err)
			continue
		}
		if rec.Status == entities.FeeProfitStatusCompleted {
			routed++
		}
	}

	if len(records) > 0 {
		s.logger.Info("Profit transfer retry pass completed",
			"candidates", len(records),
			"routed", routed)
	}
	return routed, nil
}

// attempt sends the profit once and persists the outcome
func (s *Splitter) attempt(ctx context.Context, rec *entities.FeeProfitRecord) error {
	rec.Attempts++
	hash, err := s.sender.Send(ctx, chain.Transfer{
		Key:      s.keys.MasterKey(),
		To:       s.cfg.ProfitAddress,
		Token:    &s.cfg.Token,
		Amount:   chain.FromDecimal(rec.ProfitAmount, s.cfg.TokenDecimals),
		GasLimit: s.cfg.GasLimit,
	}, nil)
	switch {
	case errors.Is(err, chain.ErrBroadcastUnknown):
		// May be mined. Retrying would risk paying the profit twice, so the
		// hash is kept for manual follow-up instead.
		txHash := hash.Hex()
		msg := err.Error()
		rec.Status = entities.FeeProfitStatusCompleted
		rec.ProfitTxHash = &txHash
		rec.LastError = &msg
		metrics.FeeProfitTransfers.WithLabelValues("unacknowledged").Inc()
		s.logger.Warn("Profit transfer unacknowledged, not retrying",
			"withdrawal_id", rec.WithdrawalID,
			"tx_hash", txHash,
			"error", err)
	case err != nil:
		msg := err.Error()
		rec.Status = entities.FeeProfitStatusFailed
		rec.LastError = &msg
		metrics.FeeProfitTransfers.WithLabelValues("failed").Inc()
		s.logger.Warn("Profit transfer failed",
			"withdrawal_id", rec.WithdrawalID,
			"attempt", rec.Attempts,
			"error", err)
	default:
		txHash := hash.Hex()
		rec.Status = entities.FeeProfitStatusCompleted
		rec.ProfitTxHash = &txHash
		rec.LastError = nil
		metrics.FeeProfitTransfers.WithLabelValues("completed").Inc()
		s.logger.Info("Profit transferred",
			"withdrawal_id", rec.WithdrawalID,
			"profit", rec.ProfitAmount.String(),
			"tx_hash", txHash)
	}

	if err := s.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist profit record %s: %w", rec.ID, err)
	}
	return nil
}

// Stats aggregates profit routing over the last days
func (s *Splitter) Stats(ctx context.Context, days int) (*entities.FeeProfitStats, error) {
	if days <= 0 {
		days = 30
	}
	stats, err := s.records.Stats(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	stats.Days = days
	return stats, nil
}
