package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Checker checks one dependency
type Checker func(ctx context.Context) error

// ComponentHealth is the outcome of one check
type ComponentHealth struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    map[string]Checker
	timeout   time.Duration
	logger    *zap.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checks map[string]Checker, logger *zap.Logger, version string) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		timeout:   5 * time.Second,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// Health runs every check concurrently and reports 503 if any fails
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results := make(map[string]ComponentHealth, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Checker) {
			defer wg.Done()
			start := time.Now()
			err := check(ctx)
			res := ComponentHealth{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	status := StatusHealthy
	for _, res := range results {
		if res.Status != StatusHealthy {
			status = StatusUnhealthy
			break
		}
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Health check failed", zap.Any("checks", results))
	}

	c.JSON(statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    results,
	})
}

// Liveness reports that the process is serving
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": StatusHealthy})
}
