package deposit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/events"
	"github.com/rail-service/custody_service/internal/domain/services/ledger"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
)

// ChainReader is the chain access the scanner needs
type ChainReader interface {
	ReceiptFetcher
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64, fullTx bool) (*chain.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
}

// AddressSource lists the active watched addresses
type AddressSource interface {
	ListActive(ctx context.Context) ([]*entities.WatchedAddress, error)
}

// Watermark persists the last fully processed block
type Watermark interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

// DepositWriter applies a deposit at most once
type DepositWriter interface {
	ProcessDeposit(ctx context.Context, event *entities.DepositEvent) (ledger.DepositOutcome, error)
}

// Config holds scanner configuration
type Config struct {
	Interval         time.Duration
	ConfirmationLag  uint64
	MaxBlocksPerScan uint64
	MaxCheckRange    uint64
	TickTimeout      time.Duration
}

// TickResult summarises one scan tick
type TickResult struct {
	Skipped   bool   `json:"skipped"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	Scanned   int    `json:"scanned"`
	Credited  int    `json:"credited"`
}

// Status is the scanner's observable state
type Status struct {
	Monitoring         bool       `json:"monitoring"`
	TickInProgress     bool       `json:"tick_in_progress"`
	LastProcessedBlock uint64     `json:"last_processed_block"`
	WatchedAddresses   int        `json:"watched_addresses"`
	LastTickAt         *time.Time `json:"last_tick_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// CheckResult reports a manual range check
type CheckResult struct {
	FromBlock uint64                           `json:"from_block"`
	ToBlock   uint64                           `json:"to_block"`
	Deposits  []*entities.DepositEvent         `json:"deposits"`
	Outcomes  map[string]ledger.DepositOutcome `json:"outcomes"`
}

// Scanner walks confirmed blocks past the persisted watermark and credits
// deposits to watched addresses.
type Scanner struct {
	chain     ChainReader
	addresses AddressSource
	watermark Watermark
	writer    DepositWriter
	analyzer  *Analyzer
	publisher events.Publisher
	cfg       Config
	logger    *logger.Logger

	tickRunning atomic.Bool
	monitoring  atomic.Bool

	mu         sync.RWMutex
	watched    WatchSet
	last       uint64
	lastTickAt *time.Time
	lastErr    string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScanner creates a new chain scanner
func NewScanner(
	reader ChainReader,
	addresses AddressSource,
	watermark Watermark,
	writer DepositWriter,
	analyzer *Analyzer,
	publisher events.Publisher,
	cfg Config,
	logger *logger.Logger,
) *Scanner {
	if cfg.MaxCheckRange == 0 {
		cfg.MaxCheckRange = 1000
	}
	return &Scanner{
		chain:     reader,
		addresses: addresses,
		watermark: watermark,
		writer:    writer,
		analyzer:  analyzer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		watched:   WatchSet{},
		stopCh:    make(chan struct{}),
	}
}

// Start runs the scan loop until ctx is cancelled or Stop is called. The
// first tick runs immediately.
func (s *Scanner) Start(ctx context.Context) {
	s.monitoring.Store(true)
	defer s.monitoring.Store(false)

	start, _, err := s.watermark.Load(ctx)
	if err != nil {
		s.logger.Warn("Could not read scan watermark at startup", "error", err)
	}
	if err := s.refreshAddresses(ctx); err != nil {
		s.logger.Warn("Could not load watched addresses at startup", "error", err)
	}

	s.logger.Info("Starting deposit scanner",
		"interval", s.cfg.Interval.String(),
		"confirmation_lag", s.cfg.ConfirmationLag,
		"max_blocks_per_scan", s.cfg.MaxBlocksPerScan,
		"start_block", start)
	s.publish(ctx, events.MonitoringStarted, events.MonitoringStartedPayload{
		AddressCount: s.watchedCount(),
		StartBlock:   start,
	})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Deposit scanner stopped (context cancelled)")
			s.publishStopped()
			return
		case <-s.stopCh:
			s.logger.Info("Deposit scanner stopped")
			s.publishStopped()
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// Stop stops the scan loop
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scanner) publishStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.publish(ctx, events.MonitoringStopped, events.MonitoringStoppedPayload{LastProcessedBlock: s.lastProcessed()})
}

func (s *Scanner) runTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	result, err := s.Tick(tickCtx)
	if err != nil {
		s.logger.Error("Scan tick failed", "from_block", result.FromBlock, "to_block", result.ToBlock, "error", err)
		return
	}
	if result.Skipped {
		s.logger.Debug("Scan tick skipped, previous tick still running")
		return
	}
	if result.Scanned > 0 {
		s.logger.Info("Scan tick completed",
			"from_block", result.FromBlock,
			"to_block", result.ToBlock,
			"credited", result.Credited)
	}
}

// Tick scans [watermark+1, head-lag] capped at MaxBlocksPerScan. The
// watermark moves only when every block in the range was processed.
func (s *Scanner) Tick(ctx context.Context) (result TickResult, err error) {
	if !s.tickRunning.CompareAndSwap(false, true) {
		metrics.ScanTicksTotal.WithLabelValues("skipped").Inc()
		return TickResult{Skipped: true}, nil
	}
	defer s.tickRunning.Store(false)

	defer func() {
		now := time.Now().UTC()
		s.mu.Lock()
		s.lastTickAt = &now
		if err != nil {
			s.lastErr = err.Error()
		} else {
			s.lastErr = ""
		}
		s.mu.Unlock()

		switch {
		case err != nil:
			metrics.ScanTicksTotal.WithLabelValues("error").Inc()
			s.publish(ctx, events.ScanError, events.ScanErrorPayload{
				FromBlock: result.FromBlock,
				ToBlock:   result.ToBlock,
				Error:     err.Error(),
			})
		case result.Scanned == 0:
			metrics.ScanTicksTotal.WithLabelValues("idle").Inc()
		default:
			metrics.ScanTicksTotal.WithLabelValues("ok").Inc()
		}
	}()

	if err := s.refreshAddresses(ctx); err != nil {
		return result, err
	}

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return result, fmt.Errorf("get latest block: %w", err)
	}
	if head < s.cfg.ConfirmationLag {
		return result, nil
	}
	safe := head - s.cfg.ConfirmationLag

	last, ok, err := s.watermark.Load(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		if err := s.watermark.Save(ctx, safe); err != nil {
			return result, err
		}
		s.setLastProcessed(safe)
		s.logger.Info("No scan watermark stored, starting at safe head", "block", safe)
		return result, nil
	}
	s.setLastProcessed(last)

	if last >= safe {
		return result, nil
	}
	result.FromBlock = last + 1
	result.ToBlock = safe
	if span := result.ToBlock - result.FromBlock + 1; span > s.cfg.MaxBlocksPerScan {
		result.ToBlock = result.FromBlock + s.cfg.MaxBlocksPerScan - 1
	}

	watched := s.watchSet()
	if len(watched) > 0 {
		for n := result.FromBlock; n <= result.ToBlock; n++ {
			deposits, err := s.scanBlock(ctx, n, watched)
			if err != nil {
				return result, fmt.Errorf("scan block %d: %w", n, err)
			}
			for _, d := range deposits {
				credited, err := s.apply(ctx, d, "scanner")
				if err != nil {
					return result, fmt.Errorf("block %d: %w", n, err)
				}
				if credited {
					result.Credited++
				}
			}
			result.Scanned++
		}
	} else {
		result.Scanned = int(result.ToBlock - result.FromBlock + 1)
	}

	if err := s.watermark.Save(ctx, result.ToBlock); err != nil {
		return result, err
	}
	s.setLastProcessed(result.ToBlock)
	metrics.ScanWatermark.Set(float64(result.ToBlock))
	return result, nil
}

func (s *Scanner) scanBlock(ctx context.Context, number uint64, watched WatchSet) ([]*entities.DepositEvent, error) {
	block, err := s.chain.BlockByNumber(ctx, number, true)
	if err != nil {
		return nil, err
	}

	var deposits []*entities.DepositEvent
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if !s.analyzer.IsCandidate(tx, watched) {
			continue
		}
		found, err := s.analyzer.Analyze(ctx, tx, number, watched)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, found...)
	}
	return deposits, nil
}

func (s *Scanner) apply(ctx context.Context, d *entities.DepositEvent, source string) (bool, error) {
	outcome, err := s.writer.ProcessDeposit(ctx, d)
	if err != nil {
		return false, err
	}
	if outcome != ledger.OutcomeCredited {
		return false, nil
	}
	s.publish(ctx, events.DepositDetected, events.DepositDetectedPayload{Deposit: d, Source: source})
	return true, nil
}

// CheckRange scans an explicit range and credits what it finds without
// moving the watermark.
func (s *Scanner) CheckRange(ctx context.Context, from, to uint64) (*CheckResult, error) {
	if from > to {
		return nil, domainerrors.ValidationError("from_block", "from_block must not exceed to_block")
	}
	if to-from+1 > s.cfg.MaxCheckRange {
		return nil, domainerrors.ValidationError("to_block", fmt.Sprintf("range exceeds %d blocks", s.cfg.MaxCheckRange))
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, domainerrors.ServiceUnavailableError("chain", err)
	}
	if head < s.cfg.ConfirmationLag || to > head-s.cfg.ConfirmationLag {
		return nil, domainerrors.ValidationError("to_block", "range extends past the confirmed head")
	}

	if err := s.refreshAddresses(ctx); err != nil {
		return nil, err
	}
	watched := s.watchSet()

	result := &CheckResult{FromBlock: from, ToBlock: to, Outcomes: map[string]ledger.DepositOutcome{}}
	for n := from; n <= to; n++ {
		deposits, err := s.scanBlock(ctx, n, watched)
		if err != nil {
			return nil, fmt.Errorf("scan block %d: %w", n, err)
		}
		for _, d := range deposits {
			outcome, err := s.writer.ProcessDeposit(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", n, err)
			}
			if outcome == ledger.OutcomeCredited {
				s.publish(ctx, events.DepositDetected, events.DepositDetectedPayload{Deposit: d, Source: "manual_check"})
			}
			result.Deposits = append(result.Deposits, d)
			result.Outcomes[d.Key()] = outcome
		}
	}

	s.logger.Info("Manual deposit check completed",
		"from_block", from,
		"to_block", to,
		"deposits_found", len(result.Deposits))
	return result, nil
}

// AnalyzeHint analyses a single transaction reported by the webhook. Pending
// or unknown transactions are left to the scanner.
func (s *Scanner) AnalyzeHint(ctx context.Context, txHash common.Hash) ([]*entities.DepositEvent, error) {
	tx, err := s.chain.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txHash.Hex(), err)
	}
	if tx == nil || tx.BlockNumber == nil {
		return nil, nil
	}

	if err := s.refreshAddresses(ctx); err != nil {
		return nil, err
	}
	watched := s.watchSet()
	if !s.analyzer.IsCandidate(tx, watched) {
		return nil, nil
	}

	deposits, err := s.analyzer.Analyze(ctx, tx, uint64(*tx.BlockNumber), watched)
	if err != nil {
		return nil, err
	}
	var credited []*entities.DepositEvent
	for _, d := range deposits {
		ok, err := s.apply(ctx, d, "webhook")
		if err != nil {
			return credited, err
		}
		if ok {
			credited = append(credited, d)
		}
	}
	return credited, nil
}

// Status returns the scanner's current state
func (s *Scanner) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Monitoring:         s.monitoring.Load(),
		TickInProgress:     s.tickRunning.Load(),
		LastProcessedBlock: s.last,
		WatchedAddresses:   len(s.watched),
		LastTickAt:         s.lastTickAt,
		LastError:          s.lastErr,
	}
}

func (s *Scanner) refreshAddresses(ctx context.Context) error {
	addresses, err := s.addresses.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("refresh watched addresses: %w", err)
	}
	set := NewWatchSet(addresses)
	s.mu.Lock()
	s.watched = set
	s.mu.Unlock()
	return nil
}

func (s *Scanner) watchSet() WatchSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watched
}

func (s *Scanner) watchedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watched)
}

func (s *Scanner) setLastProcessed(block uint64) {
	s.mu.Lock()
	s.last = block
	s.mu.Unlock()
}

func (s *Scanner) lastProcessed() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Scanner) publish(ctx context.Context, t events.Type, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, t, payload); err != nil && !errors.Is(err, events.ErrBusClosed) {
		s.logger.Warn("Failed to publish event", "event_type", t, "error", err)
	}
}
