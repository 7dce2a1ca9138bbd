package consolidation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/confirmation"
	"github.com/rail-service/custody_service/internal/domain/services/events"
	"github.com/rail-service/custody_service/internal/infrastructure/cache"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
)

// AddressSource lists the deposit addresses eligible for sweeping
type AddressSource interface {
	ListActive(ctx context.Context) ([]*entities.WatchedAddress, error)
}

// BalanceReader reads on-chain balances and drops stale cached ones
type BalanceReader interface {
	GetBalance(ctx context.Context, address string, asset entities.AssetKind, bypass bool) (decimal.Decimal, error)
	Invalidate(address string)
}

// Locker hands out the run lease
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*cache.Lease, error)
}

// Keys resolves signing keys for deposit addresses
type Keys interface {
	KeyFor(w *entities.WatchedAddress) (*ecdsa.PrivateKey, error)
	MasterAddress() common.Address
}

// Sender signs and broadcasts transfers. onSigned sees the hash before the
// transaction leaves the process.
type Sender interface {
	Send(ctx context.Context, t chain.Transfer, onSigned chain.SignedHook) (common.Hash, error)
}

// Confirmer waits for a broadcast transaction to settle
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, txHash common.Hash, required uint64, timeout time.Duration) (*confirmation.Result, error)
}

// RecordStore persists sweep records
type RecordStore interface {
	Create(ctx context.Context, rec *entities.ConsolidationRecord) error
	UpdateStatus(ctx context.Context, rec *entities.ConsolidationRecord) error
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*entities.ConsolidationRecord, error)
	List(ctx context.Context, limit, offset int) ([]*entities.ConsolidationRecord, error)
	Stats(ctx context.Context, since time.Time) (*entities.ConsolidationStats, error)
}

// AuditLedger records confirmed sweeps in the ledger
type AuditLedger interface {
	RecordConsolidation(ctx context.Context, rec *entities.ConsolidationRecord) error
}

// Config holds consolidation configuration
type Config struct {
	Schedule              string
	Asset                 entities.AssetKind
	MinAmount             decimal.Decimal
	FeeReserve            decimal.Decimal
	LockKey               string
	LockTTL               time.Duration
	PacingMin             time.Duration
	PacingMax             time.Duration
	RunTimeout            time.Duration
	BatchLimit            int
	StaleAfter            time.Duration
	RequiredConfirmations uint64
	ConfirmTimeout        time.Duration
	RecheckTimeout        time.Duration
	Token                 common.Address
	NativeDecimals        int32
	TokenDecimals         int32
	NativeGasLimit        uint64
	TokenGasLimit         uint64
}

// Dependencies groups the collaborators of the service
type Dependencies struct {
	Addresses AddressSource
	Balances  BalanceReader
	Locker    Locker
	Keys      Keys
	Sender    Sender
	Confirmer Confirmer
	Records   RecordStore
	Ledger    AuditLedger
	Publisher events.Publisher
}

// Service sweeps deposit-address balances into the master wallet
type Service struct {
	deps   Dependencies
	cfg    Config
	logger *logger.Logger
	cron   *cron.Cron
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	lastRun *entities.ConsolidationResult
}

// NewService creates a new consolidation service
func NewService(deps Dependencies, cfg Config, logger *logger.Logger) *Service {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.RecheckTimeout <= 0 {
		cfg.RecheckTimeout = 30 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sleep:  sleepCtx,
	}
}

// Start registers the scheduled run
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx := context.Background()
		if _, err := s.Run(ctx); err != nil {
			if domainerrors.IsAlreadyRunning(err) {
				s.logger.Info("Consolidation skipped, another run holds the lock")
				return
			}
			s.logger.Error("Scheduled consolidation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule consolidation %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Consolidation scheduler started",
		"schedule", s.cfg.Schedule,
		"asset", s.cfg.Asset,
		"min_amount", s.cfg.MinAmount.String())
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Consolidation scheduler stopped")
}

// TriggerImmediate runs a consolidation now, outside the schedule
func (s *Service) TriggerImmediate(ctx context.Context) (*entities.ConsolidationResult, error) {
	s.logger.Info("Consolidation triggered manually")
	return s.Run(ctx)
}

// LastRun returns the result of the most recent completed run
func (s *Service) LastRun() *entities.ConsolidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Run performs one consolidation pass under the lease. When another holder
// has the lease it returns a result marked AlreadyRunning with ErrAlreadyRunning.
func (s *Service) Run(ctx context.Context) (*entities.ConsolidationResult, error) {
	result := &entities.ConsolidationResult{
		RunID:      uuid.New(),
		TotalSwept: decimal.Zero,
		StartedAt:  time.Now().UTC(),
	}

	lease, err := s.deps.Locker.TryAcquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		metrics.ConsolidationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire consolidation lock: %w", err)
	}
	if lease == nil {
		metrics.ConsolidationRunsTotal.WithLabelValues("already_running").Inc()
		result.AlreadyRunning = true
		result.FinishedAt = time.Now().UTC()
		return result, domainerrors.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	keepaliveDone := make(chan struct{})
	go s.keepalive(runCtx, cancel, lease, keepaliveDone)

	defer func() {
		cancel()
		<-keepaliveDone
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.logger.Warn("Failed to release consolidation lock", "run_id", result.RunID, "error", err)
		}
	}()

	s.logger.Info("Consolidation run started", "run_id", result.RunID)

	s.reconcilePending(runCtx)

	addresses, err := s.deps.Addresses.ListActive(runCtx)
	if err != nil {
		metrics.ConsolidationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list watched addresses: %w", err)
	}
	if len(addresses) > s.cfg.BatchLimit {
		addresses = addresses[:s.cfg.BatchLimit]
	}

	sent := 0
	for _, w := range addresses {
		if runCtx.Err() != nil {
			s.logger.Warn("Consolidation run interrupted", "run_id", result.RunID, "error", runCtx.Err())
			break
		}

		balance, err := s.deps.Balances.GetBalance(runCtx, w.Address, s.cfg.Asset, true)
		if err != nil {
			result.Attempted++
			result.Failed++
			metrics.ConsolidationSweepsTotal.WithLabelValues("balance_error").Inc()
			s.logger.Error("Failed to read balance for consolidation", "address", w.Address, "error", err)
			continue
		}
		amount, err := s.sweepable(balance)
		if err != nil {
			result.Skipped++
			s.logger.Debug("Address not swept", "address", w.Address, "balance", balance.String(), "reason", err)
			continue
		}

		if sent > 0 {
			if err := s.sleep(runCtx, s.pacing()); err != nil {
				break
			}
		}

		sent++
		result.Attempted++
		if err := s.sweep(runCtx, result.RunID, w, amount); err != nil {
			result.Failed++
			metrics.ConsolidationSweepsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Sweep failed", "run_id", result.RunID, "address", w.Address, "amount", amount.String(), "error", err)
			continue
		}
		result.Succeeded++
		result.TotalSwept = result.TotalSwept.Add(amount)
		metrics.ConsolidationSweepsTotal.WithLabelValues("confirmed").Inc()
	}

	result.FinishedAt = time.Now().UTC()
	metrics.ConsolidationRunsTotal.WithLabelValues("completed").Inc()

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	s.logger.Info("Consolidation run completed",
		"run_id", result.RunID,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"total_swept", result.TotalSwept.String())

	if s.deps.Publisher != nil {
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pubCancel()
		if err := s.deps.Publisher.Publish(pubCtx, events.ConsolidationCompleted, events.ConsolidationCompletedPayload{Result: result}); err != nil &&
			!errors.Is(err, events.ErrBusClosed) {
			s.logger.Warn("Failed to publish consolidation result", "run_id", result.RunID, "error", err)
		}
	}
	return result, nil
}

// sweepable returns what can leave an address after the fee reserve, or
// ErrBelowMinimum when the balance does not warrant a sweep.
func (s *Service) sweepable(balance decimal.Decimal) (decimal.Decimal, error) {
	if balance.LessThan(s.cfg.MinAmount) {
		return decimal.Zero, domainerrors.ErrBelowMinimum
	}
	amount := balance.Sub(s.cfg.FeeReserve)
	if !amount.IsPositive() {
		return decimal.Zero, domainerrors.ErrBelowMinimum
	}
	return amount, nil
}

// keepalive renews the lease until ctx ends. Losing the lease cancels the run.
func (s *Service) keepalive(ctx context.Context, cancel context.CancelFunc, lease *cache.Lease, done chan<- struct{}) {
	defer close(done)
	interval := s.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("Lost consolidation lock, aborting run", "error", err)
				cancel()
				return
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context, runID uuid.UUID, w *entities.WatchedAddress, amount decimal.Decimal) error {
	master := s.deps.Keys.MasterAddress()
	rec := &entities.ConsolidationRecord{
		ID:          uuid.New(),
		RunID:       runID,
		FromAddress: w.NormalizedAddress(),
		ToAddress:   entities.NormalizeAddress(master.Hex()),
		UserID:      w.UserID,
		Asset:       s.cfg.Asset,
		Amount:      amount,
		Status:      entities.ConsolidationStatusPending,
	}
	if err := s.deps.Records.Create(ctx, rec); err != nil {
		return err
	}

	key, err := s.deps.Keys.KeyFor(w)
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	transfer := chain.Transfer{Key: key, To: master}
	if s.cfg.Asset == entities.AssetToken {
		token := s.cfg.Token
		transfer.Token = &token
		transfer.Amount = chain.FromDecimal(amount, s.cfg.TokenDecimals)
		transfer.GasLimit = s.cfg.TokenGasLimit
	} else {
		transfer.Amount = chain.FromDecimal(amount, s.cfg.NativeDecimals)
		transfer.GasLimit = s.cfg.NativeGasLimit
	}

	// The hash is recorded before broadcast so a pending record without one
	// was never sent.
	hash, err := s.deps.Sender.Send(ctx, transfer, func(h common.Hash) error {
		txHash := h.Hex()
		rec.TxHash = &txHash
		return s.deps.Records.UpdateStatus(ctx, rec)
	})
	if err != nil && !errors.Is(err, chain.ErrBroadcastUnknown) {
		rec.TxHash = nil
		return s.fail(ctx, rec, fmt.Errorf("broadcast: %w", err))
	}
	txHash := hash.Hex()
	rec.TxHash = &txHash
	if err != nil {
		// Possibly in the mempool: leave it pending and let the chain decide.
		s.logger.Warn("Sweep broadcast unacknowledged, tracking by hash",
			"record_id", rec.ID,
			"tx_hash", txHash,
			"error", err)
	}
	s.deps.Balances.Invalidate(w.Address)

	outcome, err := s.deps.Confirmer.WaitForConfirmation(ctx, hash, s.cfg.RequiredConfirmations, s.cfg.ConfirmTimeout)
	if err != nil {
		// Left pending; the next run re-checks it.
		return fmt.Errorf("wait for sweep %s: %w", txHash, err)
	}
	return s.settle(ctx, rec, outcome)
}

func (s *Service) settle(ctx context.Context, rec *entities.ConsolidationRecord, outcome *confirmation.Result) error {
	switch outcome.Status {
	case confirmation.StatusConfirmed:
		now := time.Now().UTC()
		rec.Status = entities.ConsolidationStatusConfirmed
		rec.ConfirmedAt = &now
		if err := s.deps.Records.UpdateStatus(ctx, rec); err != nil {
			return err
		}
		if err := s.deps.Ledger.RecordConsolidation(ctx, rec); err != nil {
			s.logger.Error("Failed to record consolidation in ledger", "record_id", rec.ID, "error", err)
		}
		s.deps.Balances.Invalidate(rec.FromAddress)
		return nil
	case confirmation.StatusTimedOut:
		return fmt.Errorf("sweep %s not confirmed after %s", *rec.TxHash, outcome.Elapsed)
	default:
		return s.fail(ctx, rec, fmt.Errorf("sweep transaction %s", outcome.Status))
	}
}

func (s *Service) fail(ctx context.Context, rec *entities.ConsolidationRecord, cause error) error {
	reason := cause.Error()
	rec.Status = entities.ConsolidationStatusFailed
	rec.FailureReason = &reason
	if err := s.deps.Records.UpdateStatus(ctx, rec); err != nil {
		s.logger.Error("Failed to mark sweep failed", "record_id", rec.ID, "error", err)
	}
	return cause
}

// reconcilePending re-checks sweeps a previous run left pending
func (s *Service) reconcilePending(ctx context.Context) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	stale, err := s.deps.Records.ListPending(ctx, time.Now().Add(-s.cfg.StaleAfter), s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Failed to list pending consolidations", "error", err)
		return
	}

	for _, rec := range stale {
		if rec.TxHash == nil {
			_ = s.fail(ctx, rec, errors.New("interrupted before broadcast"))
			continue
		}
		outcome, err := s.deps.Confirmer.WaitForConfirmation(ctx, common.HexToHash(*rec.TxHash), s.cfg.RequiredConfirmations, s.cfg.RecheckTimeout)
		if err != nil {
			s.logger.Warn("Pending consolidation re-check interrupted", "record_id", rec.ID, "error", err)
			return
		}
		if err := s.settle(ctx, rec, outcome); err != nil {
			s.logger.Warn("Pending consolidation still unsettled", "record_id", rec.ID, "status", outcome.Status, "error", err)
			continue
		}
		s.logger.Info("Pending consolidation confirmed on re-check", "record_id", rec.ID, "tx_hash", *rec.TxHash)
	}
}

// History returns one page of sweep records, newest first
func (s *Service) History(ctx context.Context, limit, offset int) ([]*entities.ConsolidationRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.deps.Records.List(ctx, limit, offset)
}

// Stats aggregates sweeps over the last days
func (s *Service) Stats(ctx context.Context, days int) (*entities.ConsolidationStats, error) {
	if days <= 0 {
		days = 7
	}
	return s.deps.Records.Stats(ctx, time.Now().AddDate(0, 0, -days))
}

func (s *Service) pacing() time.Duration {
	if s.cfg.PacingMax <= s.cfg.PacingMin {
		return s.cfg.PacingMin
	}
	return s.cfg.PacingMin + time.Duration(rand.Int63n(int64(s.cfg.PacingMax-s.cfg.PacingMin)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
