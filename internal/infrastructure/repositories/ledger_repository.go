package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/infrastructure/database"
)

// LedgerRepository handles ledger data persistence. Every account is kept in
// the single custody currency.
type LedgerRepository struct {
	db       *sqlx.DB
	currency string
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB, currency string) *LedgerRepository {
	return &LedgerRepository{db: db, currency: currency}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ===== Account Operations =====

// GetAccount retrieves a user's ledger account
func (r *LedgerRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error) {
	query := `
		SELECT user_id, currency, balance, frozen, created_at, updated_at
		FROM ledger_accounts
		WHERE user_id = $1
	`

	var account entities.LedgerAccount
	err := r.db.GetContext(ctx, &account, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &account, nil
}

// Freeze reserves amount of the user's available balance
func (r *LedgerRepository) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	query := `
		UPDATE ledger_accounts
		SET frozen = frozen + $2, updated_at = $3
		WHERE user_id = $1 AND balance - frozen >= $2
	`

	result, err := r.db.ExecContext(ctx, query, userID, amount, time.Now())
	if err != nil {
		return fmt.Errorf("freeze funds: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		account, err := r.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		return domainerrors.InsufficientFundsError(account.Available().String(), amount.String())
	}

	return nil
}

// Unfreeze releases a reservation made by Freeze
func (r *LedgerRepository) Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	query := `
		UPDATE ledger_accounts
		SET frozen = GREATEST(frozen - $2, 0), updated_at = $3
		WHERE user_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, userID, amount, time.Now())
	if err != nil {
		return fmt.Errorf("unfreeze funds: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domainerrors.ErrAccountNotFound
	}

	return nil
}

// ===== Entry Operations =====

// ApplyEntry records entry and moves the balance in one transaction
func (r *LedgerRepository) ApplyEntry(ctx context.Context, entry *entities.LedgerEntry) error {
	return r.ApplyEntries(ctx, decimal.Zero, entry)
}

// ApplyEntries records entries for a single user and moves the balance in one
// transaction, releasing unfreeze of the frozen amount in the same commit.
// A duplicate (kind, external_ref) aborts the whole transaction with
// ErrDuplicateEntry.
func (r *LedgerRepository) ApplyEntries(ctx context.Context, unfreeze decimal.Decimal, entries ...*entities.LedgerEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries to apply")
	}
	userID := entries[0].UserID
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("validate entry: %w", err)
		}
		if e.UserID != userID {
			return fmt.Errorf("entries span multiple users")
		}
	}

	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		return r.applyEntries(ctx, tx, userID, unfreeze, entries)
	})
	if err != nil && isUniqueViolation(err) {
		return domainerrors.ErrDuplicateEntry
	}
	return err
}

func (r *LedgerRepository) applyEntries(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, unfreeze decimal.Decimal, entries []*entities.LedgerEntry) error {
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, balance, frozen, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, r.currency, now); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	var account entities.LedgerAccount
	if err := tx.GetContext(ctx, &account, `
		SELECT user_id, currency, balance, frozen, created_at, updated_at
		FROM ledger_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	balance := account.Balance
	for _, e := range entries {
		e.BalanceBefore = balance
		switch {
		case e.Kind == entities.EntryKindDeposit:
			balance = balance.Add(e.Amount)
		case e.Kind.IsDebit():
			if balance.LessThan(e.Amount) {
				return domainerrors.InsufficientFundsError(balance.String(), e.Amount.String())
			}
			balance = balance.Sub(e.Amount)
		}
		e.BalanceAfter = balance
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (
				id, user_id, kind, amount, balance_before, balance_after,
				status, external_ref, description, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.UserID, e.Kind, e.Amount, e.BalanceBefore, e.BalanceAfter,
			e.Status, e.ExternalRef, e.Description, e.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s %s: %w", e.Kind, e.ExternalRef, domainerrors.ErrDuplicateEntry)
			}
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	frozen := account.Frozen.Sub(unfreeze)
	if frozen.IsNegative() {
		frozen = decimal.Zero
	}
	// Reserved funds must stay covered by the balance.
	if balance.LessThan(frozen) {
		return fmt.Errorf("balance %s below reserved %s: %w", balance.String(), frozen.String(), domainerrors.ErrNegativeBalance)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET balance = $2, frozen = $3, updated_at = $4
		WHERE user_id = $1
	`, userID, balance, frozen, now); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// ListEntries returns one page of a user's history, newest first, and the total count
func (r *LedgerRepository) ListEntries(ctx context.Context, filter entities.HistoryFilter) ([]*entities.LedgerEntry, int, error) {
	filter.Normalize()

	where := "WHERE user_id = $1"
	args := []interface{}{filter.UserID}
	if filter.Kind != nil {
		where += " AND kind = $2"
		args = append(args, *filter.Kind)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM ledger_entries "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, kind, amount, balance_before, balance_after, status, external_ref, description, created_at
		FROM ledger_entries
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	entries := []*entities.LedgerEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}

	return entries, total, nil
}
