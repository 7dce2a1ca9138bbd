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

// ConsolidationRepository persists sweep records
type ConsolidationRepository struct {
	db *sqlx.DB
}

// NewConsolidationRepository creates a new consolidation repository
func NewConsolidationRepository(db *sqlx.DB) *ConsolidationRepository {
	return &ConsolidationRepository{db: db}
}

const consolidationColumns = `id, run_id, from_address, to_address, user_id, asset, amount, tx_hash,
	status, failure_reason, created_at, updated_at, confirmed_at`

// Create inserts a new consolidation record
func (r *ConsolidationRepository) Create(ctx context.Context, rec *entities.ConsolidationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
		INSERT INTO consolidation_records (` + consolidationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.RunID, rec.FromAddress, rec.ToAddress, rec.UserID, rec.Asset, rec.Amount, rec.TxHash,
		rec.Status, rec.FailureReason, rec.CreatedAt, rec.UpdatedAt, rec.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("create consolidation record: %w", err)
	}
	return nil
}

// UpdateStatus persists the record's status, tx hash and failure reason
func (r *ConsolidationRepository) UpdateStatus(ctx context.Context, rec *entities.ConsolidationRecord) error {
	rec.UpdatedAt = time.Now()

	query := `
		UPDATE consolidation_records
		SET status = $2, tx_hash = $3, failure_reason = $4, confirmed_at = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Status, rec.TxHash, rec.FailureReason, rec.ConfirmedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update consolidation record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.NotFoundError("consolidation record")
	}
	return nil
}

// ListPending returns pending records last touched before cutoff
func (r *ConsolidationRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*entities.ConsolidationRecord, error) {
	query := `
		SELECT ` + consolidationColumns + `
		FROM consolidation_records
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	records := []*entities.ConsolidationRecord{}
	if err := r.db.SelectContext(ctx, &records, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list pending consolidations: %w", err)
	}
	return records, nil
}

// List returns one page of records, newest first
func (r *ConsolidationRepository) List(ctx context.Context, limit, offset int) ([]*entities.ConsolidationRecord, error) {
	query := `
		SELECT ` + consolidationColumns + `
		FROM consolidation_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	records := []*entities.ConsolidationRecord{}
	if err := r.db.SelectContext(ctx, &records, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list consolidations: %w", err)
	}
	return records, nil
}

// Stats aggregates records created since the given time
func (r *ConsolidationRepository) Stats(ctx context.Context, since time.Time) (*entities.ConsolidationStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'confirmed') AS confirmed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COALESCE(SUM(amount) FILTER (WHERE status = 'confirmed'), 0) AS total_swept
		FROM consolidation_records
		WHERE created_at >= $1
	`
	var stats entities.ConsolidationStats
	if err := r.db.GetContext(ctx, &stats, query, since); err != nil {
		return nil, fmt.Errorf("consolidation stats: %w", err)
	}
	stats.Since = since
	return &stats, nil
}
