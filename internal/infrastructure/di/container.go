package di

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/custody_service/internal/api/handlers"
	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/domain/services/balance"
	"github.com/rail-service/custody_service/internal/domain/services/confirmation"
	"github.com/rail-service/custody_service/internal/domain/services/consolidation"
	"github.com/rail-service/custody_service/internal/domain/services/deposit"
	"github.com/rail-service/custody_service/internal/domain/services/events"
	"github.com/rail-service/custody_service/internal/domain/services/fees"
	"github.com/rail-service/custody_service/internal/domain/services/ledger"
	"github.com/rail-service/custody_service/internal/domain/services/wallet"
	"github.com/rail-service/custody_service/internal/domain/services/withdrawal"
	"github.com/rail-service/custody_service/internal/infrastructure/adapters"
	"github.com/rail-service/custody_service/internal/infrastructure/cache"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/internal/infrastructure/config"
	"github.com/rail-service/custody_service/internal/infrastructure/database"
	"github.com/rail-service/custody_service/internal/infrastructure/keys"
	"github.com/rail-service/custody_service/internal/infrastructure/repositories"
	"github.com/rail-service/custody_service/internal/workers/fee_profit_retry"
	"github.com/rail-service/custody_service/internal/workers/withdrawal_reconciler"
	"github.com/rail-service/custody_service/pkg/idempotency"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/ratelimit"
	"github.com/rail-service/custody_service/pkg/retry"
)

const (
	eventHandlerTimeout = 10 * time.Second
	healthCheckTimeout  = 3 * time.Second
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  cache.RedisClient
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Repositories
	LedgerRepo         *repositories.LedgerRepository
	WatchedAddressRepo *repositories.WatchedAddressRepository
	ConsolidationRepo  *repositories.ConsolidationRepository
	WithdrawalRepo     *repositories.WithdrawalRepository
	FeeProfitRepo      *repositories.FeeProfitRepository

	// Chain access
	RPCClient   *gethrpc.Client
	Gateway     *chain.Gateway
	ChainClient *chain.Client
	Sender      *chain.Sender
	Keystore    *keys.Keystore

	// Redis-backed state
	Watermark          *cache.WatermarkStore
	Idempotency        *cache.IdempotencyIndex
	Locks              *cache.LockManager
	RequestIdempotency *idempotency.Store
	UserLimiter        *ratelimit.TieredLimiter

	// Domain services
	EventBus             *events.Bus
	BalanceCache         *balance.Cache
	LedgerService        *ledger.Service
	Waiter               *confirmation.Waiter
	Analyzer             *deposit.Analyzer
	Scanner              *deposit.Scanner
	ConsolidationService *consolidation.Service
	FeeSplitter          *fees.Splitter
	WithdrawalService    *withdrawal.Service
	WalletService        *wallet.Service

	// Workers and sinks
	FeeProfitRetryWorker *fee_profit_retry.Worker
	ReconcilerWorker     *withdrawal_reconciler.Worker
	SNSPublisher         *adapters.SNSEventPublisher

	scanCancel      context.CancelFunc
	scanDone        chan struct{}
	reconcileCancel context.CancelFunc
	reconcileWG     sync.WaitGroup
}

// NewContainer creates a new dependency injection container. The RPC
// connection is dialled here; nothing runs until Start.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, redisClient cache.RedisClient, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: log,
		ZapLog: log.Zap(),
	}

	c.LedgerRepo = repositories.NewLedgerRepository(db, c.Config.Chain.TokenSymbol)
	c.WatchedAddressRepo = repositories.NewWatchedAddressRepository(db)
	c.ConsolidationRepo = repositories.NewConsolidationRepository(db)
	c.WithdrawalRepo = repositories.NewWithdrawalRepository(db)
	c.FeeProfitRepo = repositories.NewFeeProfitRepository(db)

	rdb := redisClient.Client()
	c.Watermark = cache.NewWatermarkStore(rdb, cfg.Scanner.WatermarkKey)
	c.Idempotency = cache.NewIdempotencyIndex(rdb, cfg.Ledger.IdempotencyPrefix, cfg.Ledger.IdempotencyTTL)
	c.Locks = cache.NewLockManager(rdb)
	c.RequestIdempotency = idempotency.NewStore(rdb, "http_idempotency", cfg.Withdrawal.IdempotencyTTL)
	c.UserLimiter = ratelimit.NewTieredLimiter(rdb, "ratelimit", ratelimit.TieredConfig{
		UserLimit:  cfg.Limits.UserRequests,
		UserWindow: cfg.Limits.UserWindow,
		EndpointLimits: map[string]ratelimit.EndpointLimit{
			"POST /api/v1/users/:user_id/withdrawals": {Limit: cfg.Limits.WithdrawalsPerDay, Window: 24 * time.Hour},
		},
	}, c.ZapLog)

	if err := c.initializeChain(ctx); err != nil {
		return nil, err
	}
	if err := c.initializeDomainServices(); err != nil {
		return nil, err
	}
	if err := c.initializeEventSinks(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Container) initializeChain(ctx context.Context) error {
	cfg := c.Config

	rpcClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain RPC: %w", err)
	}
	c.RPCClient = rpcClient

	c.Gateway = chain.NewGateway(rpcClient, chain.GatewayConfig{
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		MaxAttempts:       cfg.RPC.MaxAttempts,
		RetryDelay:        cfg.RPC.RetryDelay,
		CallTimeout:       cfg.RPC.CallTimeout,
		QueueSize:         cfg.RPC.QueueSize,
	}, c.ZapLog)
	c.ChainClient = chain.NewClient(c.Gateway)
	c.Sender = chain.NewSender(c.ChainClient, cfg.Chain.ChainID, c.ZapLog)

	keystore, err := keys.NewKeystore(cfg.Wallet)
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	c.Keystore = keystore

	return nil
}

func (c *Container) initializeDomainServices() error {
	cfg := c.Config
	token := common.HexToAddress(cfg.Chain.TokenContract)

	c.EventBus = events.NewBus(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		HandlerTimeout: eventHandlerTimeout,
		Retry:          retry.Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond},
	}, c.Logger.With("component", "events"))

	balanceCache, err := balance.NewCache(c.ChainClient, balance.Config{
		TTL:            cfg.Cache.BalanceTTL,
		Token:          token,
		NativeDecimals: cfg.Chain.NativeDecimals,
		TokenDecimals:  cfg.Chain.TokenDecimals,
	}, c.Logger.With("component", "balance_cache"))
	if err != nil {
		return fmt.Errorf("failed to create balance cache: %w", err)
	}
	c.BalanceCache = balanceCache

	c.LedgerService = ledger.NewService(c.LedgerRepo, c.Idempotency, c.BalanceCache, c.Config.Chain.TokenSymbol, c.Logger.With("component", "ledger"))

	c.Waiter = confirmation.NewWaiter(c.ChainClient, confirmation.Config{
		PollInterval:   cfg.Confirmation.PollInterval,
		DefaultTimeout: cfg.Confirmation.Timeout,
		MaxTimeout:     cfg.Confirmation.MaxTimeout,
		NotFoundGrace:  cfg.Confirmation.NotFoundGrace,
	}, c.Logger.With("component", "confirmation"))

	c.Analyzer = deposit.NewAnalyzer(c.ChainClient, token, cfg.Chain.NativeDecimals, cfg.Chain.TokenDecimals)
	c.Scanner = deposit.NewScanner(
		c.ChainClient,
		c.WatchedAddressRepo,
		c.Watermark,
		c.LedgerService,
		c.Analyzer,
		c.EventBus,
		deposit.Config{
			Interval:         cfg.Scanner.Interval,
			ConfirmationLag:  cfg.Scanner.ConfirmationLag,
			MaxBlocksPerScan: cfg.Scanner.MaxBlocksPerScan,
			MaxCheckRange:    cfg.Scanner.MaxCheckRange,
			TickTimeout:      cfg.Scanner.TickTimeout,
		},
		c.Logger.With("component", "scanner"),
	)

	c.ConsolidationService = consolidation.NewService(consolidation.Dependencies{
		Addresses: c.WatchedAddressRepo,
		Balances:  c.BalanceCache,
		Locker:    c.Locks,
		Keys:      c.Keystore,
		Sender:    c.Sender,
		Confirmer: c.Waiter,
		Records:   c.ConsolidationRepo,
		Ledger:    c.LedgerService,
		Publisher: c.EventBus,
	}, consolidation.Config{
		Schedule:              cfg.Consolidation.Schedule,
		Asset:                 entities.AssetKind(cfg.Consolidation.Asset),
		MinAmount:             decimal.NewFromFloat(cfg.Consolidation.MinAmount),
		FeeReserve:            decimal.NewFromFloat(cfg.Consolidation.FeeReserve),
		LockKey:               cfg.Consolidation.LockKey,
		LockTTL:               cfg.Consolidation.LockTTL,
		PacingMin:             cfg.Consolidation.PacingMin,
		PacingMax:             cfg.Consolidation.PacingMax,
		RunTimeout:            cfg.Consolidation.RunTimeout,
		BatchLimit:            cfg.Consolidation.BatchLimit,
		StaleAfter:            cfg.Consolidation.StaleAfter,
		RequiredConfirmations: cfg.Confirmation.RequiredConfirmations,
		ConfirmTimeout:        cfg.Confirmation.Timeout,
		Token:                 token,
		NativeDecimals:        cfg.Chain.NativeDecimals,
		TokenDecimals:         cfg.Chain.TokenDecimals,
		NativeGasLimit:        cfg.Chain.NativeGasLimit,
		TokenGasLimit:         cfg.Chain.TokenGasLimit,
	}, c.Logger.With("component", "consolidation"))

	schedule := fees.Schedule{
		FixedFee:          decimal.NewFromFloat(cfg.Fees.FixedFee),
		MinRate:           decimal.NewFromFloat(cfg.Fees.MinRate),
		MidRate:           decimal.NewFromFloat(cfg.Fees.MidRate),
		MaxRate:           decimal.NewFromFloat(cfg.Fees.MaxRate),
		MidTierThreshold:  decimal.NewFromFloat(cfg.Fees.MidTierThreshold),
		HighTierThreshold: decimal.NewFromFloat(cfg.Fees.HighTierThreshold),
		ProviderFee:       decimal.NewFromFloat(cfg.Fees.ProviderFee),
	}
	var profitAddress common.Address
	if cfg.Fees.ProfitAddress != "" {
		profitAddress = common.HexToAddress(cfg.Fees.ProfitAddress)
	}
	c.FeeSplitter = fees.NewSplitter(c.FeeProfitRepo, c.Sender, c.Keystore, fees.Config{
		Schedule:      schedule,
		ProfitAddress: profitAddress,
		Token:         token,
		TokenDecimals: cfg.Chain.TokenDecimals,
		GasLimit:      cfg.Chain.TokenGasLimit,
		MaxAttempts:   cfg.Fees.MaxAttempts,
	}, c.Logger.With("component", "fees"))
	c.FeeProfitRetryWorker = fee_profit_retry.NewWorker(c.FeeSplitter, cfg.Fees.RetrySchedule, cfg.Fees.TransferTimeout, c.ZapLog)

	c.WithdrawalService = withdrawal.NewService(
		c.WithdrawalRepo,
		c.LedgerService,
		c.FeeSplitter,
		c.Sender,
		c.Keystore,
		c.Waiter,
		withdrawal.Config{
			MinAmount:             decimal.NewFromFloat(cfg.Withdrawal.MinAmount),
			MaxAmount:             decimal.NewFromFloat(cfg.Withdrawal.MaxAmount),
			DailyLimit:            decimal.NewFromFloat(cfg.Withdrawal.DailyLimit),
			Timeout:               cfg.Withdrawal.Timeout,
			RecheckTimeout:        cfg.Withdrawal.RecheckTimeout,
			RequiredConfirmations: cfg.Confirmation.RequiredConfirmations,
			Token:                 token,
			TokenDecimals:         cfg.Chain.TokenDecimals,
			GasLimit:              cfg.Chain.TokenGasLimit,
		},
		c.Logger.With("component", "withdrawal"),
	)
	c.ReconcilerWorker = withdrawal_reconciler.NewWorker(c.WithdrawalService, &withdrawal_reconciler.Config{
		OlderThan:     cfg.Withdrawal.ReconcileAfter,
		CheckInterval: cfg.Withdrawal.ReconcileInterval,
		BatchSize:     cfg.Withdrawal.ReconcileBatch,
	}, c.Logger.With("component", "withdrawal_reconciler"))

	c.WalletService = wallet.NewService(c.WatchedAddressRepo, c.Keystore, c.ZapLog)

	return nil
}

// initializeEventSinks subscribes the audit log and, when enabled, the SNS
// forwarder to the bus.
func (c *Container) initializeEventSinks(ctx context.Context) error {
	audit := c.Logger.With("component", "event_audit")
	logEvent := func(_ context.Context, e events.Event) error {
		audit.Info("Custody event", "event_id", e.ID.String(), "type", string(e.Type))
		return nil
	}
	for _, t := range []events.Type{events.DepositDetected, events.ScanError, events.ConsolidationCompleted} {
		c.EventBus.Subscribe(t, "audit_log", logEvent)
	}

	if !c.Config.Events.SNSEnabled {
		return nil
	}
	publisher, err := adapters.NewSNSEventPublisher(ctx, adapters.SNSConfig{
		Region:   c.Config.Events.SNSRegion,
		TopicARN: c.Config.Events.SNSTopicARN,
	}, c.ZapLog)
	if err != nil {
		return fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	publisher.Register(c.EventBus)
	c.SNSPublisher = publisher
	return nil
}

// Start launches the background components: gateway dispatcher, event bus,
// scanner loop, consolidation schedule and the retry/reconcile workers.
func (c *Container) Start(ctx context.Context) error {
	c.Gateway.Start()
	c.EventBus.Start()

	if c.Config.Scanner.Enabled {
		scanCtx, cancel := context.WithCancel(ctx)
		c.scanCancel = cancel
		c.scanDone = make(chan struct{})
		go func() {
			defer close(c.scanDone)
			c.Scanner.Start(scanCtx)
		}()
	} else {
		c.Logger.Info("Chain scanner disabled in configuration")
	}

	if c.Config.Consolidation.Enabled {
		if err := c.ConsolidationService.Start(); err != nil {
			return fmt.Errorf("failed to start consolidation scheduler: %w", err)
		}
	} else {
		c.Logger.Info("Consolidation scheduler disabled in configuration")
	}

	if err := c.FeeProfitRetryWorker.Start(); err != nil {
		return fmt.Errorf("failed to start fee profit retry worker: %w", err)
	}

	reconcileCtx, cancel := context.WithCancel(ctx)
	c.reconcileCancel = cancel
	c.reconcileWG.Add(1)
	go func() {
		defer c.reconcileWG.Done()
		c.ReconcilerWorker.Start(reconcileCtx)
	}()
	return nil
}

// Shutdown stops background components in reverse start order. In-flight
// withdrawals get until the timeout to reach a terminal state.
func (c *Container) Shutdown(timeout time.Duration) error {
	deadline := time.After(timeout)

	c.FeeProfitRetryWorker.Stop()
	c.ReconcilerWorker.Stop()
	if c.reconcileCancel != nil {
		c.reconcileCancel()
	}
	c.reconcileWG.Wait()
	if c.Config.Consolidation.Enabled {
		c.ConsolidationService.Stop()
	}
	if c.scanCancel != nil {
		c.Scanner.Stop()
		c.scanCancel()
		select {
		case <-c.scanDone:
		case <-deadline:
			return fmt.Errorf("scanner did not stop within %s", timeout)
		}
	}

	withdrawalsDone := make(chan struct{})
	go func() {
		c.WithdrawalService.Wait()
		close(withdrawalsDone)
	}()
	select {
	case <-withdrawalsDone:
	case <-deadline:
		c.Logger.Warn("Withdrawals still in flight at shutdown")
	}

	c.EventBus.Stop()
	c.Gateway.Stop()
	c.RPCClient.Close()

	if err := c.Redis.Close(); err != nil {
		return fmt.Errorf("failed to close redis: %w", err)
	}
	return nil
}

// HealthChecks returns the dependency checks served by GET /health
func (c *Container) HealthChecks() map[string]handlers.Checker {
	return map[string]handlers.Checker{
		"database": func(ctx context.Context) error {
			return database.HealthCheck(ctx, c.DB)
		},
		"redis": func(ctx context.Context) error {
			return c.Redis.Ping(ctx)
		},
		"chain": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			_, err := c.ChainClient.BlockNumber(ctx)
			return err
		},
	}
}

// LogStartup records the effective configuration
func (c *Container) LogStartup(version string) {
	c.Logger.Info("Custody service configured",
		"version", version,
		"chain", c.Config.Chain.Name,
		"chain_id", c.Config.Chain.ChainID,
		"token", c.Config.Chain.TokenSymbol,
		"master_address", c.Keystore.MasterAddress().Hex(),
		"scanner_enabled", c.Config.Scanner.Enabled,
		"consolidation_enabled", c.Config.Consolidation.Enabled,
		"sns_enabled", c.Config.Events.SNSEnabled)
}
