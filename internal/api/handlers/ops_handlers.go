package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/deposit"
	"github.com/rail-service/custody_service/pkg/logger"
)

// ScannerOps is the operator surface of the deposit scanner
type ScannerOps interface {
	Status() deposit.Status
	CheckRange(ctx context.Context, from, to uint64) (*deposit.CheckResult, error)
}

// ConsolidationOps is the operator surface of the consolidation scheduler
type ConsolidationOps interface {
	TriggerImmediate(ctx context.Context) (*entities.ConsolidationResult, error)
	LastRun() *entities.ConsolidationResult
	History(ctx context.Context, limit, offset int) ([]*entities.ConsolidationRecord, error)
	Stats(ctx context.Context, days int) (*entities.ConsolidationStats, error)
}

// FeeStats reports profit routing totals
type FeeStats interface {
	Stats(ctx context.Context, days int) (*entities.FeeProfitStats, error)
}

// OpsHandlers serves operator endpoints
type OpsHandlers struct {
	scanner       ScannerOps
	consolidation ConsolidationOps
	fees          FeeStats
	logger        *logger.Logger
}

// NewOpsHandlers creates a new OpsHandlers instance
func NewOpsHandlers(scanner ScannerOps, consolidation ConsolidationOps, fees FeeStats, logger *logger.Logger) *OpsHandlers {
	return &OpsHandlers{
		scanner:       scanner,
		consolidation: consolidation,
		fees:          fees,
		logger:        logger,
	}
}

// RunConsolidation handles POST /ops/consolidation/run
func (h *OpsHandlers) RunConsolidation(c *gin.Context) {
	log := requestLogger(c, h.logger)

	result, err := h.consolidation.TriggerImmediate(c.Request.Context())
	if err != nil {
		if errors.Is(err, domainerrors.ErrAlreadyRunning) {
			SendConflict(c, ErrCodeAlreadyRunning, "Consolidation is already running", result)
			return
		}
		log.Error("Manual consolidation failed", "error", err)
		SendInternalError(c, ErrCodeInternalError, "Consolidation failed")
		return
	}
	SendSuccess(c, result)
}

// ConsolidationHistory handles GET /ops/consolidation/history
func (h *OpsHandlers) ConsolidationHistory(c *gin.Context) {
	records, err := h.consolidation.History(c.Request.Context(), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to load consolidation history", "error", err)
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, gin.H{
		"records":  records,
		"last_run": h.consolidation.LastRun(),
	})
}

// ConsolidationStats handles GET /ops/consolidation/stats
func (h *OpsHandlers) ConsolidationStats(c *gin.Context) {
	stats, err := h.consolidation.Stats(c.Request.Context(), queryInt(c, "days", 7))
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to load consolidation stats", "error", err)
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, stats)
}

// ScannerStatus handles GET /ops/scanner/status
func (h *OpsHandlers) ScannerStatus(c *gin.Context) {
	SendSuccess(c, h.scanner.Status())
}

type checkRangeRequest struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block" binding:"required"`
}

// CheckRange handles POST /ops/scanner/check
func (h *OpsHandlers) CheckRange(c *gin.Context) {
	var req checkRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	result, err := h.scanner.CheckRange(c.Request.Context(), req.FromBlock, req.ToBlock)
	if err != nil {
		if domainerrors.IsInvalidInput(err) {
			SendDomainError(c, err)
			return
		}
		requestLogger(c, h.logger).Error("Manual range check failed",
			"error", err,
			"from_block", req.FromBlock,
			"to_block", req.ToBlock)
		var de *domainerrors.DomainError
		if errors.As(err, &de) {
			SendDomainError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, ErrorResponse{Code: ErrCodeServiceUnavailable, Message: "Range check failed"})
		return
	}
	SendSuccess(c, result)
}

// FeeStats handles GET /ops/fees/stats
func (h *OpsHandlers) FeeStats(c *gin.Context) {
	stats, err := h.fees.Stats(c.Request.Context(), queryInt(c, "days", 30))
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to load fee stats", "error", err)
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, stats)
}
