package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/deposit"
	"github.com/rail-service/custody_service/pkg/logger"
)

type MockScanner struct {
	mock.Mock
}

func (m *MockScanner) Status() deposit.Status {
	return m.Called().Get(0).(deposit.Status)
}

func (m *MockScanner) CheckRange(ctx context.Context, from, to uint64) (*deposit.CheckResult, error) {
	args := m.Called(ctx, from, to)
	res, _ := args.Get(0).(*deposit.CheckResult)
	return res, args.Error(1)
}

type MockConsolidation struct {
	mock.Mock
}

func (m *MockConsolidation) TriggerImmediate(ctx context.Context) (*entities.ConsolidationResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*entities.ConsolidationResult)
	return res, args.Error(1)
}

func (m *MockConsolidation) LastRun() *entities.ConsolidationResult {
	res, _ := m.Called().Get(0).(*entities.ConsolidationResult)
	return res
}

func (m *MockConsolidation) History(ctx context.Context, limit, offset int) ([]*entities.ConsolidationRecord, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*entities.ConsolidationRecord), args.Error(1)
}

func (m *MockConsolidation) Stats(ctx context.Context, days int) (*entities.ConsolidationStats, error) {
	args := m.Called(ctx, days)
	res, _ := args.Get(0).(*entities.ConsolidationStats)
	return res, args.Error(1)
}

type MockFeeStats struct {
	mock.Mock
}

func (m *MockFeeStats) Stats(ctx context.Context, days int) (*entities.FeeProfitStats, error) {
	args := m.Called(ctx, days)
	res, _ := args.Get(0).(*entities.FeeProfitStats)
	return res, args.Error(1)
}

func newOpsRouter(scanner ScannerOps, consolidation ConsolidationOps, fees FeeStats) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewOpsHandlers(scanner, consolidation, fees, logger.New("debug", "test"))
	router := gin.New()
	ops := router.Group("/ops")
	ops.POST("/consolidation/run", h.RunConsolidation)
	ops.GET("/consolidation/history", h.ConsolidationHistory)
	ops.GET("/consolidation/stats", h.ConsolidationStats)
	ops.GET("/scanner/status", h.ScannerStatus)
	ops.POST("/scanner/check", h.CheckRange)
	ops.GET("/fees/stats", h.FeeStats)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRunConsolidation(t *testing.T) {
	consolidation := new(MockConsolidation)
	consolidation.On("TriggerImmediate", mock.Anything).
		Return(&entities.ConsolidationResult{Attempted: 2, Succeeded: 2, TotalSwept: decimal.NewFromInt(300)}, nil)

	w := do(newOpsRouter(nil, consolidation, nil), http.MethodPost, "/ops/consolidation/run", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"succeeded":2`)
}

func TestRunConsolidation_AlreadyRunningIs409(t *testing.T) {
	consolidation := new(MockConsolidation)
	consolidation.On("TriggerImmediate", mock.Anything).
		Return(&entities.ConsolidationResult{AlreadyRunning: true}, domainerrors.ErrAlreadyRunning)

	w := do(newOpsRouter(nil, consolidation, nil), http.MethodPost, "/ops/consolidation/run", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeAlreadyRunning)
	assert.Contains(t, w.Body.String(), `"already_running":true`)
}

func TestRunConsolidation_FailureIs500(t *testing.T) {
	consolidation := new(MockConsolidation)
	consolidation.On("TriggerImmediate", mock.Anything).Return(nil, errors.New("redis: connection refused"))

	w := do(newOpsRouter(nil, consolidation, nil), http.MethodPost, "/ops/consolidation/run", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "redis")
}

func TestConsolidationHistory(t *testing.T) {
	consolidation := new(MockConsolidation)
	consolidation.On("History", mock.Anything, 10, 20).
		Return([]*entities.ConsolidationRecord{{ID: uuid.New(), Status: entities.ConsolidationStatusConfirmed}}, nil)
	consolidation.On("LastRun").Return(nil)

	w := do(newOpsRouter(nil, consolidation, nil), http.MethodGet, "/ops/consolidation/history?limit=10&offset=20", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"records"`)
	consolidation.AssertExpectations(t)
}

func TestConsolidationStats_DefaultsToAWeek(t *testing.T) {
	consolidation := new(MockConsolidation)
	consolidation.On("Stats", mock.Anything, 7).Return(&entities.ConsolidationStats{Total: 4, Confirmed: 3}, nil)

	w := do(newOpsRouter(nil, consolidation, nil), http.MethodGet, "/ops/consolidation/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"confirmed":3`)
}

func TestScannerStatus(t *testing.T) {
	scanner := new(MockScanner)
	scanner.On("Status").Return(deposit.Status{Monitoring: true, LastProcessedBlock: 110, WatchedAddresses: 3})

	w := do(newOpsRouter(scanner, nil, nil), http.MethodGet, "/ops/scanner/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"last_processed_block":110`)
}

func TestCheckRange(t *testing.T) {
	scanner := new(MockScanner)
	scanner.On("CheckRange", mock.Anything, uint64(100), uint64(120)).
		Return(&deposit.CheckResult{FromBlock: 100, ToBlock: 120}, nil)

	w := do(newOpsRouter(scanner, nil, nil), http.MethodPost, "/ops/scanner/check", `{"from_block":100,"to_block":120}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"to_block":120`)
}

func TestCheckRange_Errors(t *testing.T) {
	scanner := new(MockScanner)
	scanner.On("CheckRange", mock.Anything, uint64(1), uint64(5000)).
		Return(nil, domainerrors.ValidationError("to_block", "range exceeds 1000 blocks"))
	scanner.On("CheckRange", mock.Anything, uint64(1), uint64(2)).
		Return(nil, errors.New("scan block 2: timeout"))
	scanner.On("CheckRange", mock.Anything, uint64(3), uint64(4)).
		Return(nil, domainerrors.ServiceUnavailableError("chain", errors.New("timeout")))
	router := newOpsRouter(scanner, nil, nil)

	w := do(router, http.MethodPost, "/ops/scanner/check", `{"from_block":1,"to_block":5000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "range exceeds")

	w = do(router, http.MethodPost, "/ops/scanner/check", `{"from_block":1,"to_block":2}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(router, http.MethodPost, "/ops/scanner/check", `{"from_block":3,"to_block":4}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"SERVICE_UNAVAILABLE"`)

	w = do(router, http.MethodPost, "/ops/scanner/check", `{"from_block":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeeStats(t *testing.T) {
	fees := new(MockFeeStats)
	fees.On("Stats", mock.Anything, 30).Return(&entities.FeeProfitStats{Days: 30, Count: 5}, nil)

	w := do(newOpsRouter(nil, nil, fees), http.MethodGet, "/ops/fees/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	fees.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("dial tcp: refused") }

	tests := []struct {
		name   string
		checks map[string]Checker
		status int
	}{
		{"all healthy", map[string]Checker{"database": healthy, "redis": healthy, "chain": healthy}, http.StatusOK},
		{"redis down", map[string]Checker{"database": healthy, "redis": broken, "chain": healthy}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks, zap.NewNop(), "test")
			router := gin.New()
			router.GET("/health", h.Health)

			w := do(router, http.MethodGet, "/health", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"chain"`)
		})
	}
}
