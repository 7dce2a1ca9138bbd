package confirmation

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
)

// Status is the terminal outcome of a wait
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusNotFound  Status = "not_found"
)

// ChainReader is the chain access the waiter polls
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
}

// Config holds waiter configuration
type Config struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// NotFoundGrace is how many consecutive polls may see neither a receipt
	// nor a pending transaction before the wait gives up.
	NotFoundGrace int
}

// Result describes how a wait ended
type Result struct {
	Status        Status        `json:"status"`
	TxHash        string        `json:"tx_hash"`
	BlockNumber   uint64        `json:"block_number,omitempty"`
	Confirmations uint64        `json:"confirmations"`
	GasUsed       uint64        `json:"gas_used,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Waiter polls for transaction receipts until they are deep enough
type Waiter struct {
	chain  ChainReader
	cfg    Config
	logger *logger.Logger
}

// NewWaiter creates a new confirmation waiter
func NewWaiter(reader ChainReader, cfg Config, logger *logger.Logger) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.NotFoundGrace < 1 {
		cfg.NotFoundGrace = 3
	}
	return &Waiter{chain: reader, cfg: cfg, logger: logger}
}

// WaitForConfirmation polls txHash until it has required confirmations, its
// receipt reports failure, the provider keeps reporting it unknown, or timeout
// elapses. A zero timeout uses the default; timeouts are capped at MaxTimeout.
// Only ctx cancellation produces an error.
func (w *Waiter) WaitForConfirmation(ctx context.Context, txHash common.Hash, required uint64, timeout time.Duration) (*Result, error) {
	if required == 0 {
		required = 1
	}
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	if timeout > w.cfg.MaxTimeout {
		timeout = w.cfg.MaxTimeout
	}

	started := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	result := &Result{TxHash: txHash.Hex()}
	missing := 0

	for {
		done, err := w.poll(ctx, txHash, required, result, &missing)
		if err != nil {
			return nil, err
		}
		if done {
			result.Elapsed = time.Since(started)
			w.logger.Info("Transaction wait finished",
				"tx_hash", result.TxHash,
				"status", result.Status,
				"confirmations", result.Confirmations,
				"elapsed", result.Elapsed.String())
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-deadline.C:
			result.Status = StatusTimedOut
			result.Elapsed = time.Since(started)
			w.logger.Warn("Transaction confirmation timed out",
				"tx_hash", result.TxHash,
				"confirmations", result.Confirmations,
				"required", required,
				"timeout", timeout.String())
			return result, nil
		case <-ticker.C:
		}
	}
}

func (w *Waiter) poll(ctx context.Context, txHash common.Hash, required uint64, result *Result, missing *int) (bool, error) {
	receipt, err := w.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("wait for %s: %w", txHash.Hex(), ctx.Err())
		}
		w.logger.Warn("Receipt poll failed", "tx_hash", txHash.Hex(), "error", err)
		return false, nil
	}

	if receipt == nil {
		tx, err := w.chain.TransactionByHash(ctx, txHash)
		if err != nil {
			w.logger.Warn("Transaction lookup failed", "tx_hash", txHash.Hex(), "error", err)
			return false, nil
		}
		if tx != nil {
			*missing = 0
			return false, nil
		}
		*missing++
		if *missing >= w.cfg.NotFoundGrace {
			result.Status = StatusNotFound
			return true, nil
		}
		return false, nil
	}
	*missing = 0

	result.BlockNumber = uint64(receipt.BlockNumber)
	result.GasUsed = uint64(receipt.GasUsed)
	if !receipt.Succeeded() {
		result.Status = StatusFailed
		return true, nil
	}

	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		w.logger.Warn("Head poll failed", "tx_hash", txHash.Hex(), "error", err)
		return false, nil
	}
	if head >= result.BlockNumber {
		result.Confirmations = head - result.BlockNumber + 1
	}
	if result.Confirmations >= required {
		result.Status = StatusConfirmed
		return true, nil
	}
	return false, nil
}
