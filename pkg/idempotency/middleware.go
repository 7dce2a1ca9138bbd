package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey is the HTTP header for idempotency key
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderReplayed marks a response served from the store
	HeaderReplayed = "Idempotent-Replayed"

	// MaxBodySize is the maximum request body size hashed for idempotency (1MB)
	MaxBodySize = 1 << 20

	// DefaultTTL is how long a completed response is replayed
	DefaultTTL = 24 * time.Hour
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9\-_:.]{1,255}$`)

// ValidateKey checks the client-supplied key format.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.New("key must be 1-255 characters of letters, digits, '-', '_', ':' or '.'")
	}
	return nil
}

// HashRequest fingerprints the request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return data, nil
}

// responseWriter wraps gin.ResponseWriter to capture response
type responseWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func abortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      code,
		"message":    message,
		"request_id": c.GetString("request_id"),
	})
}

// Middleware replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass through untouched. Store failures fail
// open.
func Middleware(store *Store, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isStateChanging(c.Request.Method) {
			c.Next()
			return
		}

		idempotencyKey := c.GetHeader(HeaderIdempotencyKey)
		if idempotencyKey == "" {
			c.Next()
			return
		}

		if err := ValidateKey(idempotencyKey); err != nil {
			abortWith(c, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", err.Error())
			return
		}

		bodyBytes, err := readBody(c.Request.Body, MaxBodySize)
		if err != nil {
			abortWith(c, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", err.Error())
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		ctx := c.Request.Context()
		scoped := c.Request.Method + ":" + c.Request.URL.Path + ":" + idempotencyKey
		requestHash := HashRequest(bodyBytes)
		log := logger.With(zap.String("idempotency_key", idempotencyKey))

		existing, reserved, err := store.Reserve(ctx, scoped, requestHash)
		switch {
		case errors.Is(err, ErrInProgress):
			abortWith(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "A request with this key is still being processed")
			return
		case err != nil:
			log.Error("Idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}

		if !reserved {
			if existing.RequestHash != requestHash {
				log.Warn("Idempotency key reused with a different payload")
				abortWith(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key was used with a different request body")
				return
			}
			if existing.Pending {
				abortWith(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "A request with this key is still being processed")
				return
			}

			log.Info("Replaying stored response", zap.Int("status", existing.Status))
			c.Header(HeaderReplayed, "true")
			c.Data(existing.Status, "application/json; charset=utf-8", existing.Body)
			c.Abort()
			return
		}

		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
			status:         http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		// Server errors are not final; let the client retry with the same key.
		if writer.status >= http.StatusInternalServerError {
			if err := store.Release(ctx, scoped); err != nil {
				log.Error("Failed to release idempotency key", zap.Error(err))
			}
			return
		}

		if err := store.Complete(ctx, scoped, requestHash, writer.status, writer.body.Bytes()); err != nil {
			log.Error("Failed to store idempotent response", zap.Error(err))
		}
	}
}
