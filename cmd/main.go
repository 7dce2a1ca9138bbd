package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/custody_service/internal/api/routes"
	"github.com/rail-service/custody_service/internal/infrastructure/cache"
	"github.com/rail-service/custody_service/internal/infrastructure/config"
	"github.com/rail-service/custody_service/internal/infrastructure/database"
	"github.com/rail-service/custody_service/internal/infrastructure/di"
	"github.com/rail-service/custody_service/pkg/graceful"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/metrics"
	"github.com/rail-service/custody_service/pkg/secrets"
	"github.com/rail-service/custody_service/pkg/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	if err := loadWalletSecrets(context.Background(), cfg); err != nil {
		log.Fatal("Failed to load wallet secrets", "error", err)
	}

	// Initialize OpenTelemetry tracing
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}
	defer tracingShutdown(context.Background())

	// Initialize database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	// Run migrations
	if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	// Initialize Redis
	redisClient, err := cache.NewRedisClient(&cfg.Redis, log.Zap())
	if err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	// Build dependency injection container
	container, err := di.NewContainer(ctx, cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}
	container.LogStartup(version)

	if err := container.Start(ctx); err != nil {
		log.Fatal("Failed to start background services", "error", err)
	}

	router := routes.SetupRoutes(container, version)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("Starting server",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"version", version,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	stopPoolMetrics := make(chan struct{})
	go reportPoolStats(db, stopPoolMetrics)

	shutdown := graceful.NewShutdownManager(server, shutdownTimeout, log)
	shutdown.Register(container)
	shutdown.RegisterCloser(db)
	shutdown.WaitForShutdown()
	close(stopPoolMetrics)
}

// loadWalletSecrets replaces the wallet signing material with the contents
// of the configured Secrets Manager secret, if any.
func loadWalletSecrets(ctx context.Context, cfg *config.Config) error {
	if cfg.Wallet.SecretID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	provider, err := secrets.NewAWSSecretsManagerProvider(ctx, cfg.Wallet.SecretsRegion, 0)
	if err != nil {
		return err
	}
	ws, err := secrets.LoadWalletSecrets(ctx, provider, cfg.Wallet.SecretID)
	if err != nil {
		return err
	}

	cfg.Wallet.EncryptionKey = ws.EncryptionKey
	cfg.Wallet.EncryptedSeed = ws.EncryptedSeed
	cfg.Wallet.EncryptedMasterKey = ws.EncryptedMasterKey
	return nil
}

func reportPoolStats(db *sqlx.DB, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.DatabaseConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
			metrics.DatabaseConnections.WithLabelValues("idle").Set(float64(stats.Idle))
			metrics.DatabaseConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		}
	}
}
