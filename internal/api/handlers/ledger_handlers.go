package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/domain/services/ledger"
	"github.com/rail-service/custody_service/pkg/logger"
)

// LedgerReader is the read side of the ledger
type LedgerReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error)
	GetHistory(ctx context.Context, filter entities.HistoryFilter) (*ledger.HistoryPage, error)
}

// LedgerHandlers serves balance and history queries
type LedgerHandlers struct {
	ledger LedgerReader
	logger *logger.Logger
}

// NewLedgerHandlers creates a new LedgerHandlers instance
func NewLedgerHandlers(ledger LedgerReader, logger *logger.Logger) *LedgerHandlers {
	return &LedgerHandlers{ledger: ledger, logger: logger}
}

// GetBalance handles GET /api/v1/users/:user_id/balance
func (h *LedgerHandlers) GetBalance(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	account, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		SendDomainError(c, err)
		return
	}

	SendSuccess(c, gin.H{
		"user_id":   account.UserID,
		"currency":  account.Currency,
		"balance":   account.Balance,
		"frozen":    account.Frozen,
		"available": account.Balance.Sub(account.Frozen),
	})
}

// GetHistory handles GET /api/v1/users/:user_id/history?kind=&limit=&offset=
func (h *LedgerHandlers) GetHistory(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	filter := entities.HistoryFilter{
		UserID: userID,
		Limit:  queryInt(c, "limit", 20),
		Offset: queryInt(c, "offset", 0),
	}
	if raw := c.Query("kind"); raw != "" {
		kind := entities.EntryKind(raw)
		if err := kind.Validate(); err != nil {
			SendBadRequest(c, ErrCodeValidationError, err.Error(), map[string]interface{}{"kind": raw})
			return
		}
		filter.Kind = &kind
	}

	page, err := h.ledger.GetHistory(c.Request.Context(), filter)
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to load ledger history", "error", err, "user_id", userID.String())
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, page)
}
