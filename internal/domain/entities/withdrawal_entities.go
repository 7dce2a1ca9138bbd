package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus represents the lifecycle of a withdrawal
type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusBroadcast WithdrawalStatus = "broadcast"
	WithdrawalStatusCompleted WithdrawalStatus = "completed"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

var validWithdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalStatusPending:   {WithdrawalStatusBroadcast, WithdrawalStatusFailed},
	WithdrawalStatusBroadcast: {WithdrawalStatusCompleted, WithdrawalStatusFailed},
	WithdrawalStatusCompleted: {},
	WithdrawalStatusFailed:    {},
}

// CanTransitionTo checks if transition to new status is allowed
func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	for _, allowed := range validWithdrawalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusCompleted || s == WithdrawalStatusFailed
}

// Withdrawal is a user's request to move funds off-platform.
type Withdrawal struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	UserID       uuid.UUID        `json:"user_id" db:"user_id"`
	ToAddress    string           `json:"to_address" db:"to_address"`
	Amount       decimal.Decimal  `json:"amount" db:"amount"`
	Fee          decimal.Decimal  `json:"fee" db:"fee"`
	NetAmount    decimal.Decimal  `json:"net_amount" db:"net_amount"`
	Status       WithdrawalStatus `json:"status" db:"status"`
	TxHash       *string          `json:"tx_hash,omitempty" db:"tx_hash"`
	ErrorMessage *string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
	ProcessedAt  *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
}

// WithdrawalRequest is the command accepted from the wallet layer.
type WithdrawalRequest struct {
	UserID    uuid.UUID       `json:"user_id" validate:"required"`
	ToAddress string          `json:"to_address" validate:"required,eth_addr"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
}
