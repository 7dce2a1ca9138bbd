package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
	"github.com/rail-service/custody_service/pkg/tracing"
)

// Repository is the persistence the ledger needs
type Repository interface {
	ApplyEntry(ctx context.Context, entry *entities.LedgerEntry) error
	ApplyEntries(ctx context.Context, unfreeze decimal.Decimal, entries ...*entities.LedgerEntry) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error)
	ListEntries(ctx context.Context, filter entities.HistoryFilter) ([]*entities.LedgerEntry, int, error)
	Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
}

// IdempotencyIndex is the fast processed-event lookup
type IdempotencyIndex interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// BalanceInvalidator drops cached on-chain balances for an address
type BalanceInvalidator interface {
	Invalidate(address string)
}

// DepositOutcome reports what ProcessDeposit did with an event
type DepositOutcome string

const (
	OutcomeCredited  DepositOutcome = "credited"
	OutcomeDuplicate DepositOutcome = "duplicate"
)

// Service credits deposits exactly once and answers balance queries
type Service struct {
	repo     Repository
	index    IdempotencyIndex
	balance  BalanceInvalidator
	currency string
	logger   *logger.Logger
}

// NewService creates a new ledger service. Balances are kept in currency,
// the custodied token's symbol.
func NewService(repo Repository, index IdempotencyIndex, balance BalanceInvalidator, currency string, logger *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		index:    index,
		balance:  balance,
		currency: currency,
		logger:   logger,
	}
}

// DepositRef is the external reference recorded for a deposit entry
func DepositRef(event *entities.DepositEvent) string {
	return event.Key()
}

// ProcessDeposit credits event to its owner unless it was already applied.
// The unique (kind, external_ref) constraint is authoritative; the index only
// short-circuits the common replay.
func (s *Service) ProcessDeposit(ctx context.Context, event *entities.DepositEvent) (outcome DepositOutcome, err error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("invalid deposit event: %w", err)
	}
	key := event.Key()

	ctx, span := tracing.StartSpan(ctx, "ledger", "ledger.process_deposit",
		attribute.String("deposit.key", key),
		attribute.String("deposit.asset", string(event.Asset)))
	defer func() { tracing.EndSpan(span, err) }()

	seen, err := s.index.Seen(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency index unavailable, relying on ledger constraint", "key", key, "error", err)
	} else if seen {
		metrics.DepositsCredited.WithLabelValues(string(event.Asset), string(OutcomeDuplicate)).Inc()
		s.logger.Debug("Deposit already processed", "key", key)
		return OutcomeDuplicate, nil
	}

	description := fmt.Sprintf("%s deposit to %s in block %d", event.Asset, event.To, event.BlockNumber)
	entry := &entities.LedgerEntry{
		ID:          uuid.New(),
		UserID:      event.UserID,
		Kind:        entities.EntryKindDeposit,
		Amount:      event.Amount,
		Status:      entities.EntryStatusCompleted,
		ExternalRef: DepositRef(event),
		Description: &description,
	}

	err = s.repo.ApplyEntry(ctx, entry)
	switch {
	case errors.Is(err, domainerrors.ErrDuplicateEntry):
		outcome = OutcomeDuplicate
		err = nil
	case err != nil:
		return "", fmt.Errorf("apply deposit %s: %w", key, err)
	default:
		outcome = OutcomeCredited
		s.logger.Info("Deposit credited",
			"key", key,
			"user_id", event.UserID,
			"amount", event.Amount.String(),
			"asset", event.Asset,
			"balance_after", entry.BalanceAfter.String())
		s.balance.Invalidate(event.To)
	}

	if markErr := s.index.Mark(ctx, key); markErr != nil {
		s.logger.Warn("Failed to mark deposit processed", "key", key, "error", markErr)
	}
	metrics.DepositsCredited.WithLabelValues(string(event.Asset), string(outcome)).Inc()
	return outcome, nil
}

// GetBalance returns the user's account; users without one have a zero balance
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error) {
	account, err := s.repo.GetAccount(ctx, userID)
	if errors.Is(err, domainerrors.ErrAccountNotFound) {
		return &entities.LedgerAccount{UserID: userID, Currency: s.currency}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return account, nil
}

// HistoryPage is one page of ledger history
type HistoryPage struct {
	Entries []*entities.LedgerEntry `json:"entries"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// GetHistory returns a page of the user's entries, newest first
func (s *Service) GetHistory(ctx context.Context, filter entities.HistoryFilter) (*HistoryPage, error) {
	if filter.Kind != nil {
		if err := filter.Kind.Validate(); err != nil {
			return nil, domainerrors.ValidationError("kind", err.Error())
		}
	}
	filter.Normalize()

	entries, total, err := s.repo.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return &HistoryPage{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Freeze reserves funds for an in-flight withdrawal
func (s *Service) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domainerrors.ErrInvalidAmount
	}
	return s.repo.Freeze(ctx, userID, amount)
}

// Unfreeze releases a reservation
func (s *Service) Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	return s.repo.Unfreeze(ctx, userID, amount)
}

// SettleWithdrawal debits the net amount and the fee against txHash and
// releases the reserved gross amount in one transaction.
func (s *Service) SettleWithdrawal(ctx context.Context, w *entities.Withdrawal, txHash string) error {
	desc := fmt.Sprintf("withdrawal %s to %s", w.ID, w.ToAddress)
	feeDesc := fmt.Sprintf("withdrawal fee %s", w.ID)
	entries := []*entities.LedgerEntry{{
		ID:          uuid.New(),
		UserID:      w.UserID,
		Kind:        entities.EntryKindWithdrawal,
		Amount:      w.NetAmount,
		Status:      entities.EntryStatusCompleted,
		ExternalRef: txHash,
		Description: &desc,
	}}
	if w.Fee.IsPositive() {
		entries = append(entries, &entities.LedgerEntry{
			ID:          uuid.New(),
			UserID:      w.UserID,
			Kind:        entities.EntryKindFee,
			Amount:      w.Fee,
			Status:      entities.EntryStatusCompleted,
			ExternalRef: txHash,
			Description: &feeDesc,
		})
	}

	err := s.repo.ApplyEntries(ctx, w.Amount, entries...)
	if errors.Is(err, domainerrors.ErrDuplicateEntry) {
		s.logger.Warn("Withdrawal already settled", "withdrawal_id", w.ID, "tx_hash", txHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle withdrawal %s: %w", w.ID, err)
	}
	return nil
}

// RecordConsolidation writes an audit entry for a confirmed sweep. Custody
// moves between wallets the service controls, so the user balance is unchanged.
func (s *Service) RecordConsolidation(ctx context.Context, rec *entities.ConsolidationRecord) error {
	if rec.TxHash == nil {
		return fmt.Errorf("consolidation %s has no tx hash", rec.ID)
	}
	desc := fmt.Sprintf("swept %s to %s", rec.FromAddress, rec.ToAddress)
	entry := &entities.LedgerEntry{
		ID:          uuid.New(),
		UserID:      rec.UserID,
		Kind:        entities.EntryKindConsolidation,
		Amount:      rec.Amount,
		Status:      entities.EntryStatusCompleted,
		ExternalRef: *rec.TxHash,
		Description: &desc,
	}
	if err := s.repo.ApplyEntry(ctx, entry); err != nil && !errors.Is(err, domainerrors.ErrDuplicateEntry) {
		return fmt.Errorf("record consolidation %s: %w", rec.ID, err)
	}
	return nil
}
