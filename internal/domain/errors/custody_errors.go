package errors

import "errors"

// Custody-specific errors
var (
	// Ledger
	ErrDuplicateEntry    = errors.New("ledger entry already applied")
	ErrAccountNotFound   = errors.New("ledger account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNegativeBalance   = errors.New("balance cannot be negative")
	ErrInvalidAmount     = errors.New("amount must be positive")

	// Withdrawal
	ErrWithdrawalNotFound      = errors.New("withdrawal not found")
	ErrWithdrawalLimitExceeded = errors.New("withdrawal limit exceeded")
	ErrInvalidAddress          = errors.New("invalid address")

	// Consolidation
	ErrAlreadyRunning = errors.New("consolidation already running")
	ErrLockNotHeld    = errors.New("lock not held")
	ErrBelowMinimum   = errors.New("balance below consolidation minimum")

	// Keys
	ErrKeyUnavailable = errors.New("signing key unavailable")
)

// InsufficientFundsError reports the available balance against what was requested.
func InsufficientFundsError(available, required string) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientFunds,
		Code:    "INSUFFICIENT_FUNDS",
		Message: "insufficient available balance",
		Details: map[string]interface{}{
			"available": available,
			"required":  required,
		},
	}
}

// WithdrawalLimitError reports which limit rejected a withdrawal request.
func WithdrawalLimitError(limit, value string) *DomainError {
	return &DomainError{
		Err:     ErrWithdrawalLimitExceeded,
		Code:    "WITHDRAWAL_LIMIT_EXCEEDED",
		Message: "withdrawal limit exceeded",
		Details: map[string]interface{}{
			"limit": limit,
			"value": value,
		},
	}
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}
