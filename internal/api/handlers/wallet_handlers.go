package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/pkg/logger"
)

// AddressProvisioner hands out per-user deposit addresses
type AddressProvisioner interface {
	ProvisionAddress(ctx context.Context, userID uuid.UUID) (*entities.WatchedAddress, bool, error)
	ListAddresses(ctx context.Context, userID uuid.UUID) ([]*entities.WatchedAddress, error)
	SetAddressActive(ctx context.Context, address string, active bool) (*entities.WatchedAddress, error)
}

// WalletHandlers handles deposit address operations
type WalletHandlers struct {
	wallets AddressProvisioner
	logger  *logger.Logger
}

// NewWalletHandlers creates a new WalletHandlers instance
func NewWalletHandlers(wallets AddressProvisioner, logger *logger.Logger) *WalletHandlers {
	return &WalletHandlers{wallets: wallets, logger: logger}
}

// ProvisionAddress handles POST /api/v1/users/:user_id/addresses. Returns 201
// when a new address was derived and 200 when the user already had one.
func (h *WalletHandlers) ProvisionAddress(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	address, created, err := h.wallets.ProvisionAddress(c.Request.Context(), userID)
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to provision deposit address", "error", err, "user_id", userID.String())
		SendDomainError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, address)
}

// GetAddresses handles GET /api/v1/users/:user_id/addresses
func (h *WalletHandlers) GetAddresses(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	addresses, err := h.wallets.ListAddresses(c.Request.Context(), userID)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, gin.H{"addresses": addresses, "count": len(addresses)})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetAddressActive handles PUT /ops/addresses/:address/active
func (h *WalletHandlers) SetAddressActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	address, err := h.wallets.SetAddressActive(c.Request.Context(), c.Param("address"), *req.Active)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, address)
}
