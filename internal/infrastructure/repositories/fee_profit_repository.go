package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

// FeeProfitRepository persists profit-routing records
type FeeProfitRepository struct {
	db *sqlx.DB
}

// NewFeeProfitRepository creates a new fee profit repository
func NewFeeProfitRepository(db *sqlx.DB) *FeeProfitRepository {
	return &FeeProfitRepository{db: db}
}

const feeProfitColumns = `id, withdrawal_id, original_amount, customer_fee, provider_fee, profit_amount,
	original_tx_hash, profit_tx_hash, status, attempts, last_error, created_at, updated_at`

// Create inserts a new record
func (r *FeeProfitRepository) Create(ctx context.Context, rec *entities.FeeProfitRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
		INSERT INTO fee_profit_records (` + feeProfitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.WithdrawalID, rec.OriginalAmount, rec.CustomerFee, rec.ProviderFee, rec.ProfitAmount,
		rec.OriginalTxHash, rec.ProfitTxHash, rec.Status, rec.Attempts, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("profit record for withdrawal %s: %w", rec.WithdrawalID, domainerrors.ErrDuplicateEntry)
		}
		return fmt.Errorf("create fee profit record: %w", err)
	}
	return nil
}

// Update persists status, attempts, profit tx hash and last error
func (r *FeeProfitRepository) Update(ctx context.Context, rec *entities.FeeProfitRecord) error {
	rec.UpdatedAt = time.Now()

	query := `
		UPDATE fee_profit_records
		SET status = $2, attempts = $3, profit_tx_hash = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Status, rec.Attempts, rec.ProfitTxHash, rec.LastError, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update fee profit record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.NotFoundError("fee profit record")
	}
	return nil
}

// ListRetryable returns failed records with attempts left
func (r *FeeProfitRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*entities.FeeProfitRecord, error) {
	query := `
		SELECT ` + feeProfitColumns + `
		FROM fee_profit_records
		WHERE status = 'failed' AND attempts < $1
		ORDER BY updated_at
		LIMIT $2
	`
	records := []*entities.FeeProfitRecord{}
	if err := r.db.SelectContext(ctx, &records, query, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("list retryable fee profit records: %w", err)
	}
	return records, nil
}

// Stats aggregates records created since the given time
func (r *FeeProfitRepository) Stats(ctx context.Context, since time.Time) (*entities.FeeProfitStats, error) {
	query := `
		SELECT
			COUNT(*) AS count,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(SUM(customer_fee), 0) AS total_fees,
			COALESCE(SUM(profit_amount), 0) AS total_profit,
			COALESCE(SUM(profit_amount) FILTER (WHERE status = 'completed'), 0) AS routed_profit
		FROM fee_profit_records
		WHERE created_at >= $1
	`
	var stats entities.FeeProfitStats
	if err := r.db.GetContext(ctx, &stats, query, since); err != nil {
		return nil, fmt.Errorf("fee profit stats: %w", err)
	}
	return &stats, nil
}
