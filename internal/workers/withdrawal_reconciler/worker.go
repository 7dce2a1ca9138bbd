package withdrawal_reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rail-service/custody_service/pkg/logger"
)

// Reconciler settles withdrawals stuck in broadcast
type Reconciler interface {
	ReconcileBroadcast(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Worker periodically re-checks broadcast withdrawals whose confirmation
// wait ended without a verdict.
type Worker struct {
	reconciler    Reconciler
	olderThan     time.Duration
	checkInterval time.Duration
	batchSize     int
	logger        *logger.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// Config holds worker configuration
type Config struct {
	OlderThan     time.Duration
	CheckInterval time.Duration
	BatchSize     int
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		OlderThan:     15 * time.Minute,
		CheckInterval: 5 * time.Minute,
		BatchSize:     50,
	}
}

// NewWorker creates a new withdrawal reconciler worker
func NewWorker(reconciler Reconciler, config *Config, logger *logger.Logger) *Worker {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	w := &Worker{
		reconciler:    reconciler,
		olderThan:     config.OlderThan,
		checkInterval: config.CheckInterval,
		batchSize:     config.BatchSize,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
	if w.checkInterval <= 0 {
		w.checkInterval = defaults.CheckInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaults.BatchSize
	}
	if w.olderThan <= 0 {
		w.olderThan = defaults.OlderThan
	}
	return w
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting withdrawal reconciler",
		"older_than", w.olderThan.String(),
		"check_interval", w.checkInterval.String())

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Withdrawal reconciler stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Withdrawal reconciler stopped")
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

// Stop stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) reconcile(ctx context.Context) {
	settled, err := w.reconciler.ReconcileBroadcast(ctx, w.olderThan, w.batchSize)
	if err != nil {
		w.logger.Error("Withdrawal reconciliation failed", "error", err, "settled", settled)
		return
	}
	if settled > 0 {
		w.logger.Info("Reconciled broadcast withdrawals", "settled", settled)
	} else {
		w.logger.Debug("No broadcast withdrawals to reconcile")
	}
}

// RunOnce runs reconciliation once (for testing or manual trigger)
func (w *Worker) RunOnce(ctx context.Context) {
	w.reconcile(ctx)
}
