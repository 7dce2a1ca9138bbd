package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetKind distinguishes the chain's native coin from the watched token.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// Validate checks if the asset kind is valid
func (a AssetKind) Validate() error {
	switch a {
	case AssetNative, AssetToken:
		return nil
	default:
		return fmt.Errorf("invalid asset kind: %s", a)
	}
}

// NativeLogIndex is the log index recorded for native transfers, which carry no log.
const NativeLogIndex int64 = -1

// WatchedAddress is a per-user deposit address. Rows are disabled, never deleted.
type WatchedAddress struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Address         string    `json:"address" db:"address"`
	UserID          uuid.UUID `json:"user_id" db:"user_id"`
	DerivationIndex uint32    `json:"derivation_index" db:"derivation_index"`
	EncryptedKeyRef *string   `json:"-" db:"encrypted_key_ref"`
	Active          bool      `json:"active" db:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizedAddress returns the lower-cased address used for lookups
func (w *WatchedAddress) NormalizedAddress() string {
	return NormalizeAddress(w.Address)
}

// NormalizeAddress lower-cases a hex address so comparisons ignore checksum casing.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// DepositEvent is an observed incoming transfer. (TxHash, LogIndex) is the
// idempotency key.
type DepositEvent struct {
	TxHash      string          `json:"tx_hash"`
	LogIndex    int64           `json:"log_index"`
	BlockNumber uint64          `json:"block_number"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	UserID      uuid.UUID       `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       AssetKind       `json:"asset"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// Key returns the idempotency key of the event.
func (e *DepositEvent) Key() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}

// Validate validates the deposit event
func (e *DepositEvent) Validate() error {
	if e.TxHash == "" {
		return fmt.Errorf("tx hash is required")
	}
	if e.UserID == uuid.Nil {
		return fmt.Errorf("user ID is required")
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive")
	}
	return e.Asset.Validate()
}
