package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeProfitStatus represents the state of a profit transfer
type FeeProfitStatus string

const (
	FeeProfitStatusPending   FeeProfitStatus = "pending"
	FeeProfitStatusCompleted FeeProfitStatus = "completed"
	FeeProfitStatusFailed    FeeProfitStatus = "failed"
	FeeProfitStatusSkipped   FeeProfitStatus = "skipped"
)

// FeeBreakdown is the customer-facing fee split for a withdrawal amount.
type FeeBreakdown struct {
	Amount      decimal.Decimal `json:"amount"`
	FixedFee    decimal.Decimal `json:"fixed_fee"`
	Rate        decimal.Decimal `json:"rate"`
	CustomerFee decimal.Decimal `json:"customer_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	ProviderFee decimal.Decimal `json:"provider_fee"`
	Profit      decimal.Decimal `json:"profit"`
}

// FeeProfitRecord tracks routing of one withdrawal's margin to the profit address.
type FeeProfitRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	WithdrawalID   uuid.UUID       `json:"withdrawal_id" db:"withdrawal_id"`
	OriginalAmount decimal.Decimal `json:"original_amount" db:"original_amount"`
	CustomerFee    decimal.Decimal `json:"customer_fee" db:"customer_fee"`
	ProviderFee    decimal.Decimal `json:"provider_fee" db:"provider_fee"`
	ProfitAmount   decimal.Decimal `json:"profit_amount" db:"profit_amount"`
	OriginalTxHash string          `json:"original_tx_hash" db:"original_tx_hash"`
	ProfitTxHash   *string         `json:"profit_tx_hash,omitempty" db:"profit_tx_hash"`
	Status         FeeProfitStatus `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	LastError      *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// FeeProfitStats aggregates profit routing over a window.
type FeeProfitStats struct {
	Days         int             `json:"days" db:"-"`
	Count        int             `json:"count" db:"count"`
	Completed    int             `json:"completed" db:"completed"`
	Failed       int             `json:"failed" db:"failed"`
	TotalFees    decimal.Decimal `json:"total_fees" db:"total_fees"`
	TotalProfit  decimal.Decimal `json:"total_profit" db:"total_profit"`
	RoutedProfit decimal.Decimal `json:"routed_profit" db:"routed_profit"`
}
