package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

// WatchedAddressRepository persists per-user deposit addresses
type WatchedAddressRepository struct {
	db *sqlx.DB
}

// NewWatchedAddressRepository creates a new watched address repository
func NewWatchedAddressRepository(db *sqlx.DB) *WatchedAddressRepository {
	return &WatchedAddressRepository{db: db}
}

const watchedAddressColumns = `id, address, user_id, derivation_index, encrypted_key_ref, active, created_at, updated_at`

// Create registers a new watched address
func (r *WatchedAddressRepository) Create(ctx context.Context, w *entities.WatchedAddress) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Address = entities.NormalizeAddress(w.Address)

	query := `
		INSERT INTO watched_addresses (` + watchedAddressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		w.ID, w.Address, w.UserID, w.DerivationIndex, w.EncryptedKeyRef, w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("address %s already watched: %w", w.Address, domainerrors.ErrConflict)
		}
		return fmt.Errorf("create watched address: %w", err)
	}
	return nil
}

// ListActive returns every active watched address
func (r *WatchedAddressRepository) ListActive(ctx context.Context) ([]*entities.WatchedAddress, error) {
	query := `SELECT ` + watchedAddressColumns + ` FROM watched_addresses WHERE active ORDER BY created_at`

	addresses := []*entities.WatchedAddress{}
	if err := r.db.SelectContext(ctx, &addresses, query); err != nil {
		return nil, fmt.Errorf("list active watched addresses: %w", err)
	}
	return addresses, nil
}

// GetByAddress looks an address up case-insensitively
func (r *WatchedAddressRepository) GetByAddress(ctx context.Context, address string) (*entities.WatchedAddress, error) {
	query := `SELECT ` + watchedAddressColumns + ` FROM watched_addresses WHERE LOWER(address) = $1`

	var w entities.WatchedAddress
	if err := r.db.GetContext(ctx, &w, query, entities.NormalizeAddress(address)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("watched address")
		}
		return nil, fmt.Errorf("get watched address: %w", err)
	}
	return &w, nil
}

// SetActive enables or disables an address. Addresses are never deleted.
func (r *WatchedAddressRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE watched_addresses SET active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now())
	if err != nil {
		return fmt.Errorf("set watched address active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.NotFoundError("watched address")
	}
	return nil
}

// ListByUser returns a user's addresses, newest first
func (r *WatchedAddressRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.WatchedAddress, error) {
	query := `SELECT ` + watchedAddressColumns + ` FROM watched_addresses WHERE user_id = $1 ORDER BY created_at DESC`

	addresses := []*entities.WatchedAddress{}
	if err := r.db.SelectContext(ctx, &addresses, query, userID); err != nil {
		return nil, fmt.Errorf("list watched addresses for user: %w", err)
	}
	return addresses, nil
}

// NextDerivationIndex returns one past the highest HD index in use.
func (r *WatchedAddressRepository) NextDerivationIndex(ctx context.Context) (uint32, error) {
	var next int64
	err := r.db.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(derivation_index) + 1, 0) FROM watched_addresses WHERE encrypted_key_ref IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("next derivation index: %w", err)
	}
	return uint32(next), nil
}
