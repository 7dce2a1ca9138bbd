package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rail-service/custody_service/internal/api/handlers"
	"github.com/rail-service/custody_service/internal/api/middleware"
	"github.com/rail-service/custody_service/internal/infrastructure/di"
	"github.com/rail-service/custody_service/pkg/idempotency"
	"github.com/rail-service/custody_service/pkg/tracing"
)

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container, version string) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(tracing.HTTPMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(container.Config.Server.RateLimit))
	router.Use(middleware.SecurityHeaders())

	healthHandler := handlers.NewHealthHandler(container.HealthChecks(), container.ZapLog, version)
	webhookHandlers := handlers.NewWebhookHandlers(container.Scanner, container.Config.Webhook.Secret, container.Logger)
	opsHandlers := handlers.NewOpsHandlers(container.Scanner, container.ConsolidationService, container.FeeSplitter, container.Logger)
	ledgerHandlers := handlers.NewLedgerHandlers(container.LedgerService, container.Logger)
	withdrawalHandlers := handlers.NewWithdrawalHandlers(container.WithdrawalService, container.FeeSplitter, container.Logger)
	walletHandlers := handlers.NewWalletHandlers(container.WalletService, container.Logger)

	// Health and scraping (no auth required)
	router.GET("/health", healthHandler.Health)
	router.GET("/live", healthHandler.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks authenticate with an HMAC signature
	router.POST("/webhooks/chain", webhookHandlers.ChainWebhook)

	apiKey := middleware.APIKeyAuth(container.Config.Server.APIKey)

	ops := router.Group("/ops", apiKey)
	{
		ops.POST("/consolidation/run", opsHandlers.RunConsolidation)
		ops.GET("/consolidation/history", opsHandlers.ConsolidationHistory)
		ops.GET("/consolidation/stats", opsHandlers.ConsolidationStats)
		ops.GET("/scanner/status", opsHandlers.ScannerStatus)
		ops.POST("/scanner/check", opsHandlers.CheckRange)
		ops.GET("/fees/stats", opsHandlers.FeeStats)
		ops.PUT("/addresses/:address/active", walletHandlers.SetAddressActive)
	}

	v1 := router.Group("/api/v1", apiKey)
	{
		users := v1.Group("/users/:user_id", container.UserLimiter.Middleware("user_id"))
		{
			users.GET("/balance", ledgerHandlers.GetBalance)
			users.GET("/history", ledgerHandlers.GetHistory)

			users.POST("/addresses", walletHandlers.ProvisionAddress)
			users.GET("/addresses", walletHandlers.GetAddresses)

			users.POST("/withdrawals", idempotency.Middleware(container.RequestIdempotency, container.ZapLog), withdrawalHandlers.RequestWithdrawal)
			users.GET("/withdrawals", withdrawalHandlers.ListWithdrawals)
			users.GET("/withdrawals/:withdrawal_id", withdrawalHandlers.GetWithdrawal)
		}

		v1.GET("/fees/quote", withdrawalHandlers.QuoteFee)
	}

	return router
}
