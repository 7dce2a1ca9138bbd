package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind is the failure taxonomy every gateway call resolves to.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindRateLimited   ErrorKind = "rate_limited"
	KindProviderError ErrorKind = "provider_error"
	KindNetworkError  ErrorKind = "network_error"
)

// ErrGatewayClosed is returned for calls issued after Stop.
var ErrGatewayClosed = errors.New("rpc gateway closed")

// Error is the typed failure surfaced by the gateway after retries.
type Error struct {
	Kind     ErrorKind
	Method   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s after %d attempt(s): %v", e.Method, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	return k == KindTimeout || k == KindRateLimited || k == KindNetworkError
}

// KindOf returns the gateway kind of err, or "" when err did not come from the gateway.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// IsTransient reports whether err is a gateway error that could succeed later.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// JSON-RPC codes providers use for throttling.
const (
	codeLimitExceeded = -32005
	codeTooMany       = 429
)

// Classify maps a raw transport or provider error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusGatewayTimeout:
			return KindTimeout
		case httpErr.StatusCode >= 500:
			return KindNetworkError
		default:
			return KindProviderError
		}
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeLimitExceeded, codeTooMany:
			return KindRateLimited
		}
		if containsAny(strings.ToLower(rpcErr.Error()), "rate limit", "too many requests") {
			return KindRateLimited
		}
		return KindProviderError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetworkError
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "timeout", "deadline exceeded"):
		return KindTimeout
	case containsAny(lower, "rate limit", "429", "too many requests"):
		return KindRateLimited
	case containsAny(lower, "connection refused", "connection reset", "network is unreachable",
		"no such host", "broken pipe", "eof", "502", "503"):
		return KindNetworkError
	default:
		return KindProviderError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
