package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

// Error codes as constants for consistent error responses across handlers
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeInvalidAmount      = "INVALID_AMOUNT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeAlreadyRunning     = "ALREADY_RUNNING"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeLimitExceeded      = "WITHDRAWAL_LIMIT_EXCEEDED"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodeWebhookFailed      = "WEBHOOK_PROCESSING_ERROR"
)

const (
	MsgInvalidRequest = "Invalid request payload"
	MsgInternalError  = "Internal server error"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    code,
		Message: message,
		Details: det,
	})
}

// SendUnauthorized sends a 401 Unauthorized error
func SendUnauthorized(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendNotFound sends a 404 Not Found error
func SendNotFound(c *gin.Context, code, message string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendConflict sends a 409 Conflict error
func SendConflict(c *gin.Context, code, message string, data ...interface{}) {
	resp := ErrorResponse{
		Code:    code,
		Message: message,
	}
	if len(data) > 0 {
		resp.Details = map[string]interface{}{"result": data[0]}
	}
	c.JSON(http.StatusConflict, resp)
}

// SendInternalError sends a 500 Internal Server Error
func SendInternalError(c *gin.Context, code, message string) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// SendSuccess sends a 200 OK response with data
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendAccepted sends a 202 Accepted response with data
func SendAccepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, data)
}

// SendDomainError maps a service error onto an HTTP status. Errors that carry
// no domain meaning become a 500 without leaking their text.
func SendDomainError(c *gin.Context, err error) {
	var de *domainerrors.DomainError
	if errors.As(err, &de) {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domainerrors.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(err, domainerrors.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domainerrors.ErrInsufficientFunds),
			errors.Is(err, domainerrors.ErrWithdrawalLimitExceeded):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, domainerrors.ErrAlreadyRunning), domainerrors.IsConflict(err):
			status = http.StatusConflict
		case errors.Is(err, domainerrors.ErrServiceUnavailable):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Code: domainerrors.GetErrorCode(err), Message: de.Error(), Details: de.Details})
		return
	}

	switch {
	case errors.Is(err, domainerrors.ErrAccountNotFound), errors.Is(err, domainerrors.ErrWithdrawalNotFound):
		SendNotFound(c, ErrCodeNotFound, err.Error())
	case errors.Is(err, domainerrors.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Code: ErrCodeInsufficientFunds, Message: err.Error()})
	case errors.Is(err, domainerrors.ErrWithdrawalLimitExceeded):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Code: ErrCodeLimitExceeded, Message: err.Error()})
	case domainerrors.IsConflict(err):
		SendConflict(c, ErrCodeConflict, "Request conflicts with existing state")
	default:
		SendInternalError(c, ErrCodeInternalError, MsgInternalError)
	}
}
