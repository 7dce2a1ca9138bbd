package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

// WithdrawalRepository handles withdrawal persistence
type WithdrawalRepository struct {
	db *sqlx.DB
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(db *sqlx.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

const withdrawalColumns = `id, user_id, to_address, amount, fee, net_amount, status, tx_hash,
	error_message, created_at, updated_at, processed_at`

// Create creates a new withdrawal record
func (r *WithdrawalRepository) Create(ctx context.Context, w *entities.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (` + withdrawalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.ToAddress, w.Amount, w.Fee, w.NetAmount, w.Status, w.TxHash,
		w.ErrorMessage, w.CreatedAt, w.UpdatedAt, w.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}

	return nil
}

// GetByID retrieves a withdrawal by ID
func (r *WithdrawalRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`

	var w entities.Withdrawal
	if err := r.db.GetContext(ctx, &w, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}

	return &w, nil
}

// GetByUserID retrieves withdrawals for a user, newest first
func (r *WithdrawalRepository) GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	withdrawals := []*entities.Withdrawal{}
	if err := r.db.SelectContext(ctx, &withdrawals, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to get withdrawals: %w", err)
	}

	return withdrawals, nil
}

// Update persists status, tx hash, error and processed time
func (r *WithdrawalRepository) Update(ctx context.Context, w *entities.Withdrawal) error {
	w.UpdatedAt = time.Now()

	query := `
		UPDATE withdrawals
		SET status = $2, tx_hash = $3, error_message = $4, processed_at = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, w.ID, w.Status, w.TxHash, w.ErrorMessage, w.ProcessedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.ErrWithdrawalNotFound
	}

	return nil
}

// SumSince totals the amounts of a user's non-failed withdrawals created since the given time
func (r *WithdrawalRepository) SumSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM withdrawals
		WHERE user_id = $1 AND created_at >= $2 AND status <> 'failed'
	`

	var total decimal.Decimal
	if err := r.db.GetContext(ctx, &total, query, userID, since); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum withdrawals: %w", err)
	}

	return total, nil
}

// ListStale returns withdrawals in status whose last update is before the cutoff, oldest first
func (r *WithdrawalRepository) ListStale(ctx context.Context, status entities.WithdrawalStatus, before time.Time, limit int) ([]*entities.Withdrawal, error) {
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`

	withdrawals := []*entities.Withdrawal{}
	if err := r.db.SelectContext(ctx, &withdrawals, query, status, before, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale withdrawals: %w", err)
	}

	return withdrawals, nil
}
