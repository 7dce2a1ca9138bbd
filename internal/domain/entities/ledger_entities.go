package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry. Together with the external reference it
// forms the ledger's uniqueness key.
type EntryKind string

const (
	EntryKindDeposit       EntryKind = "deposit"
	EntryKindWithdrawal    EntryKind = "withdrawal"
	EntryKindConsolidation EntryKind = "consolidation"
	EntryKindFee           EntryKind = "fee"
)

// Validate checks if the entry kind is valid
func (k EntryKind) Validate() error {
	switch k {
	case EntryKindDeposit, EntryKindWithdrawal, EntryKindConsolidation, EntryKindFee:
		return nil
	default:
		return fmt.Errorf("invalid entry kind: %s", k)
	}
}

// IsDebit reports whether entries of this kind reduce the user balance.
func (k EntryKind) IsDebit() bool {
	return k == EntryKindWithdrawal || k == EntryKindFee
}

// EntryStatus represents the status of a ledger entry
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
)

// Validate checks if the entry status is valid
func (s EntryStatus) Validate() error {
	switch s {
	case EntryStatusPending, EntryStatusCompleted, EntryStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid entry status: %s", s)
	}
}

// LedgerAccount is a user's custodial balance. Frozen funds are reserved by
// in-flight withdrawals and are not available for new ones.
type LedgerAccount struct {
	UserID    uuid.UUID       `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Frozen    decimal.Decimal `json:"frozen" db:"frozen"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the balance not reserved by pending withdrawals
func (a *LedgerAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.Frozen)
}

// LedgerEntry is one applied balance movement with its before/after snapshot.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	UserID        uuid.UUID       `json:"user_id" db:"user_id"`
	Kind          EntryKind       `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Status        EntryStatus     `json:"status" db:"status"`
	ExternalRef   string          `json:"external_ref" db:"external_ref"`
	Description   *string         `json:"description,omitempty" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Validate validates the ledger entry
func (e *LedgerEntry) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("entry ID is required")
	}

	if e.UserID == uuid.Nil {
		return fmt.Errorf("user ID is required")
	}

	if err := e.Kind.Validate(); err != nil {
		return err
	}

	if err := e.Status.Validate(); err != nil {
		return err
	}

	if e.Amount.IsNegative() {
		return fmt.Errorf("entry amount cannot be negative")
	}

	if e.ExternalRef == "" {
		return fmt.Errorf("external reference is required")
	}

	return nil
}

// HistoryFilter selects a page of a user's ledger history.
type HistoryFilter struct {
	UserID uuid.UUID
	Kind   *EntryKind
	Limit  int
	Offset int
}

// Normalize clamps paging parameters to sane bounds
func (f *HistoryFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
