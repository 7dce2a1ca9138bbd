package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/retry"
)

// Notification types pushed by the chain provider
const (
	SubscriptionIncoming = "ACCOUNT_INCOMING_BLOCKCHAIN_TRANSACTION"
	SubscriptionOutgoing = "ACCOUNT_OUTGOING_BLOCKCHAIN_TRANSACTION"
)

// DepositHinter analyses a single transaction reported out of band
type DepositHinter interface {
	AnalyzeHint(ctx context.Context, txHash common.Hash) ([]*entities.DepositEvent, error)
}

// ChainWebhook is the provider's transfer notification
type ChainWebhook struct {
	SubscriptionType string `json:"subscriptionType" validate:"required"`
	AccountID        string `json:"accountId"`
	Currency         string `json:"currency"`
	Amount           string `json:"amount" validate:"omitempty,numeric"`
	TxID             string `json:"txId"`
	Address          string `json:"address" validate:"omitempty,eth_addr"`
	BlockNumber      uint64 `json:"blockNumber"`
}

// WebhookHandlers handles inbound chain notifications
type WebhookHandlers struct {
	hinter        DepositHinter
	validator     *validator.Validate
	webhookSecret string
	retryPolicy   retry.Policy
	logger        *logger.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance
func NewWebhookHandlers(hinter DepositHinter, webhookSecret string, logger *logger.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		hinter:        hinter,
		validator:     validator.New(),
		webhookSecret: webhookSecret,
		retryPolicy: retry.Policy{
			MaxAttempts: 3,
			Delay:       500 * time.Millisecond,
			Retryable:   chain.IsTransient,
		},
		logger: logger,
	}
}

// ChainWebhook handles POST /webhooks/chain. Notifications only accelerate
// detection; the scanner still credits anything a dropped hint would have.
func (h *WebhookHandlers) ChainWebhook(c *gin.Context) {
	log := requestLogger(c, h.logger)

	rawBody, err := c.GetRawData()
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}

	if err := h.verifySignature(c, rawBody); err != nil {
		log.Warn("Webhook signature verification failed", "error", err)
		SendUnauthorized(c, ErrCodeInvalidSignature, "Webhook signature verification failed")
		return
	}

	var webhook ChainWebhook
	if err := json.Unmarshal(rawBody, &webhook); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Invalid webhook payload", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.validator.Struct(&webhook); err != nil {
		SendBadRequest(c, ErrCodeValidationError, "Invalid webhook payload", map[string]interface{}{"error": err.Error()})
		return
	}

	log.Info("Chain webhook received",
		"subscription_type", webhook.SubscriptionType,
		"tx_id", webhook.TxID,
		"currency", webhook.Currency,
		"amount", webhook.Amount)

	switch webhook.SubscriptionType {
	case SubscriptionIncoming:
		h.handleIncoming(c, log, &webhook)
	case SubscriptionOutgoing:
		log.Info("Outgoing transaction noted", "tx_id", webhook.TxID)
		SendSuccess(c, gin.H{"success": true, "status": "noted"})
	default:
		log.Warn("Unknown webhook subscription type", "subscription_type", webhook.SubscriptionType)
		SendSuccess(c, gin.H{"success": false, "status": "ignored", "reason": "unknown subscription type"})
	}
}

func (h *WebhookHandlers) handleIncoming(c *gin.Context, log *logger.Logger, webhook *ChainWebhook) {
	if !isTxHash(webhook.TxID) {
		SendBadRequest(c, ErrCodeValidationError, "txId must be a 32-byte hex transaction hash")
		return
	}
	txHash := common.HexToHash(webhook.TxID)

	var credited []*entities.DepositEvent
	err := retry.Do(c.Request.Context(), h.retryPolicy, log.Zap(), func() error {
		var err error
		credited, err = h.hinter.AnalyzeHint(c.Request.Context(), txHash)
		return err
	})
	if err != nil {
		log.Error("Failed to analyse webhook transaction", "error", err, "tx_hash", txHash.Hex())
		SendInternalError(c, ErrCodeWebhookFailed, "Failed to process webhook")
		return
	}

	log.Info("Webhook transaction analysed", "tx_hash", txHash.Hex(), "credited", len(credited))
	SendSuccess(c, gin.H{
		"success":  true,
		"status":   "processed",
		"tx_hash":  txHash.Hex(),
		"credited": len(credited),
		"deposits": credited,
	})
}

func (h *WebhookHandlers) verifySignature(c *gin.Context, rawBody []byte) error {
	if h.webhookSecret == "" {
		return nil
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Hub-Signature-256")
	}

	return verifyHMACSignature(rawBody, signature, h.webhookSecret)
}

// verifyHMACSignature verifies HMAC-SHA256 webhook signature
func verifyHMACSignature(payload []byte, signature, secret string) error {
	if signature == "" {
		return fmt.Errorf("missing webhook signature")
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
