package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsolidationStatus represents the status of a sweep
type ConsolidationStatus string

const (
	ConsolidationStatusPending   ConsolidationStatus = "pending"
	ConsolidationStatusConfirmed ConsolidationStatus = "confirmed"
	ConsolidationStatusFailed    ConsolidationStatus = "failed"
)

var validConsolidationTransitions = map[ConsolidationStatus][]ConsolidationStatus{
	ConsolidationStatusPending:   {ConsolidationStatusConfirmed, ConsolidationStatusFailed},
	ConsolidationStatusConfirmed: {},
	ConsolidationStatusFailed:    {},
}

// CanTransitionTo checks if transition to new status is allowed
func (s ConsolidationStatus) CanTransitionTo(next ConsolidationStatus) bool {
	for _, allowed := range validConsolidationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ConsolidationRecord tracks one sweep from a deposit address to the master wallet.
type ConsolidationRecord struct {
	ID            uuid.UUID           `json:"id" db:"id"`
	RunID         uuid.UUID           `json:"run_id" db:"run_id"`
	FromAddress   string              `json:"from_address" db:"from_address"`
	ToAddress     string              `json:"to_address" db:"to_address"`
	UserID        uuid.UUID           `json:"user_id" db:"user_id"`
	Asset         AssetKind           `json:"asset" db:"asset"`
	Amount        decimal.Decimal     `json:"amount" db:"amount"`
	TxHash        *string             `json:"tx_hash,omitempty" db:"tx_hash"`
	Status        ConsolidationStatus `json:"status" db:"status"`
	FailureReason *string             `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
	ConfirmedAt   *time.Time          `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// ConsolidationResult summarizes one scheduler run.
type ConsolidationResult struct {
	RunID          uuid.UUID       `json:"run_id"`
	AlreadyRunning bool            `json:"already_running"`
	Attempted      int             `json:"attempted"`
	Succeeded      int             `json:"succeeded"`
	Failed         int             `json:"failed"`
	Skipped        int             `json:"skipped"`
	TotalSwept     decimal.Decimal `json:"total_swept"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// ConsolidationStats aggregates records over a window.
type ConsolidationStats struct {
	Since      time.Time       `json:"since" db:"-"`
	Total      int             `json:"total" db:"total"`
	Confirmed  int             `json:"confirmed" db:"confirmed"`
	Failed     int             `json:"failed" db:"failed"`
	Pending    int             `json:"pending" db:"pending"`
	TotalSwept decimal.Decimal `json:"total_swept" db:"total_swept"`
}
