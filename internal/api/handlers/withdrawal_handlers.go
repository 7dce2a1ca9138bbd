package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/pkg/logger"
)

// WithdrawalService defines the withdrawal operations exposed over HTTP
type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, req *entities.WithdrawalRequest) (*entities.Withdrawal, error)
	GetWithdrawal(ctx context.Context, userID, id uuid.UUID) (*entities.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error)
}

// FeeQuoter prices a withdrawal before it is requested
type FeeQuoter interface {
	Breakdown(amount decimal.Decimal) entities.FeeBreakdown
}

// WithdrawalHandlers handles withdrawal-related operations
type WithdrawalHandlers struct {
	withdrawals WithdrawalService
	fees        FeeQuoter
	validator   *validator.Validate
	logger      *logger.Logger
}

// NewWithdrawalHandlers creates a new WithdrawalHandlers instance
func NewWithdrawalHandlers(withdrawals WithdrawalService, fees FeeQuoter, logger *logger.Logger) *WithdrawalHandlers {
	return &WithdrawalHandlers{
		withdrawals: withdrawals,
		fees:        fees,
		validator:   validator.New(),
		logger:      logger,
	}
}

type withdrawalBody struct {
	ToAddress string          `json:"to_address"`
	Amount    decimal.Decimal `json:"amount"`
}

// RequestWithdrawal handles POST /api/v1/users/:user_id/withdrawals
func (h *WithdrawalHandlers) RequestWithdrawal(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	var body withdrawalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Invalid request format")
		return
	}

	req := &entities.WithdrawalRequest{UserID: userID, ToAddress: body.ToAddress, Amount: body.Amount}
	if err := h.validator.Struct(req); err != nil {
		SendBadRequest(c, ErrCodeValidationError, "Invalid withdrawal request", map[string]interface{}{"error": err.Error()})
		return
	}

	w, err := h.withdrawals.RequestWithdrawal(c.Request.Context(), req)
	if err != nil {
		requestLogger(c, h.logger).Warn("Withdrawal request rejected",
			"error", err,
			"user_id", userID.String(),
			"amount", body.Amount.String())
		SendDomainError(c, err)
		return
	}

	SendAccepted(c, w)
}

// GetWithdrawal handles GET /api/v1/users/:user_id/withdrawals/:withdrawal_id
func (h *WithdrawalHandlers) GetWithdrawal(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}
	withdrawalID, ok := parseUUIDParam(c, "withdrawal_id")
	if !ok {
		return
	}

	w, err := h.withdrawals.GetWithdrawal(c.Request.Context(), userID, withdrawalID)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	SendSuccess(c, w)
}

// ListWithdrawals handles GET /api/v1/users/:user_id/withdrawals
func (h *WithdrawalHandlers) ListWithdrawals(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	limit, offset := queryInt(c, "limit", 20), queryInt(c, "offset", 0)
	withdrawals, err := h.withdrawals.ListWithdrawals(c.Request.Context(), userID, limit, offset)
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to list withdrawals", "error", err, "user_id", userID.String())
		SendDomainError(c, err)
		return
	}

	SendSuccess(c, gin.H{
		"withdrawals": withdrawals,
		"limit":       limit,
		"offset":      offset,
	})
}

// QuoteFee handles GET /api/v1/fees/quote?amount=
func (h *WithdrawalHandlers) QuoteFee(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		SendBadRequest(c, ErrCodeInvalidAmount, "amount must be a positive decimal")
		return
	}
	SendSuccess(c, h.fees.Breakdown(amount))
}
