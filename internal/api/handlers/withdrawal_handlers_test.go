package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/domain/services/ledger"
	"github.com/rail-service/custody_service/pkg/logger"
)

type MockWithdrawalService struct {
	mock.Mock
}

func (m *MockWithdrawalService) RequestWithdrawal(ctx context.Context, req *entities.WithdrawalRequest) (*entities.Withdrawal, error) {
	args := m.Called(ctx, req)
	w, _ := args.Get(0).(*entities.Withdrawal)
	return w, args.Error(1)
}

func (m *MockWithdrawalService) GetWithdrawal(ctx context.Context, userID, id uuid.UUID) (*entities.Withdrawal, error) {
	args := m.Called(ctx, userID, id)
	w, _ := args.Get(0).(*entities.Withdrawal)
	return w, args.Error(1)
}

func (m *MockWithdrawalService) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]*entities.Withdrawal), args.Error(1)
}

type fixedQuoter struct{}

func (fixedQuoter) Breakdown(amount decimal.Decimal) entities.FeeBreakdown {
	fee := decimal.NewFromInt(3)
	return entities.FeeBreakdown{Amount: amount, CustomerFee: fee, NetAmount: amount.Sub(fee)}
}

type MockLedgerReader struct {
	mock.Mock
}

func (m *MockLedgerReader) GetBalance(ctx context.Context, userID uuid.UUID) (*entities.LedgerAccount, error) {
	args := m.Called(ctx, userID)
	a, _ := args.Get(0).(*entities.LedgerAccount)
	return a, args.Error(1)
}

func (m *MockLedgerReader) GetHistory(ctx context.Context, filter entities.HistoryFilter) (*ledger.HistoryPage, error) {
	args := m.Called(ctx, filter)
	p, _ := args.Get(0).(*ledger.HistoryPage)
	return p, args.Error(1)
}

func newWalletRouter(withdrawals WithdrawalService, reader LedgerReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.New("debug", "test")
	wh := NewWithdrawalHandlers(withdrawals, fixedQuoter{}, log)
	lh := NewLedgerHandlers(reader, log)

	router := gin.New()
	users := router.Group("/api/v1/users/:user_id")
	users.GET("/balance", lh.GetBalance)
	users.GET("/history", lh.GetHistory)
	users.POST("/withdrawals", wh.RequestWithdrawal)
	users.GET("/withdrawals", wh.ListWithdrawals)
	users.GET("/withdrawals/:withdrawal_id", wh.GetWithdrawal)
	router.GET("/api/v1/fees/quote", wh.QuoteFee)
	return router
}

func TestRequestWithdrawal_Accepted(t *testing.T) {
	userID := uuid.New()
	svc := new(MockWithdrawalService)
	svc.On("RequestWithdrawal", mock.Anything, mock.MatchedBy(func(r *entities.WithdrawalRequest) bool {
		return r.UserID == userID && r.Amount.Equal(decimal.NewFromInt(100))
	})).Return(&entities.Withdrawal{ID: uuid.New(), UserID: userID, Status: entities.WithdrawalStatusPending}, nil)

	w := do(newWalletRouter(svc, nil), http.MethodPost, "/api/v1/users/"+userID.String()+"/withdrawals",
		`{"to_address":"0x5555555555555555555555555555555555555555","amount":"100"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestRequestWithdrawal_Rejections(t *testing.T) {
	userID := uuid.New()
	path := "/api/v1/users/" + userID.String() + "/withdrawals"
	body := `{"to_address":"0x5555555555555555555555555555555555555555","amount":"100"}`

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"limit", domainerrors.WithdrawalLimitError("daily_limit", "50"), http.StatusUnprocessableEntity, "WITHDRAWAL_LIMIT_EXCEEDED"},
		{"funds", domainerrors.InsufficientFundsError("10", "100"), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{"validation", domainerrors.ValidationError("amount", "amount must exceed the fee"), http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockWithdrawalService)
			svc.On("RequestWithdrawal", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := do(newWalletRouter(svc, nil), http.MethodPost, path, body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestRequestWithdrawal_BadInput(t *testing.T) {
	svc := new(MockWithdrawalService)
	router := newWalletRouter(svc, nil)

	w := do(router, http.MethodPost, "/api/v1/users/not-a-uuid/withdrawals", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/users/"+uuid.NewString()+"/withdrawals", `{"to_address":"nope","amount":"100"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertNotCalled(t, "RequestWithdrawal", mock.Anything, mock.Anything)
}

func TestGetWithdrawal_NotFound(t *testing.T) {
	svc := new(MockWithdrawalService)
	svc.On("GetWithdrawal", mock.Anything, mock.Anything, mock.Anything).Return(nil, domainerrors.NotFoundError("WITHDRAWAL"))

	w := do(newWalletRouter(svc, nil), http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/withdrawals/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "WITHDRAWAL_NOT_FOUND")
}

func TestQuoteFee(t *testing.T) {
	router := newWalletRouter(nil, nil)

	w := do(router, http.MethodGet, "/api/v1/fees/quote?amount=100", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"net_amount":"97"`)

	w = do(router, http.MethodGet, "/api/v1/fees/quote?amount=-5", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBalance(t *testing.T) {
	userID := uuid.New()
	reader := new(MockLedgerReader)
	reader.On("GetBalance", mock.Anything, userID).Return(&entities.LedgerAccount{
		UserID:  userID,
		Balance: decimal.NewFromInt(100),
		Frozen:  decimal.NewFromInt(30),
	}, nil)

	w := do(newWalletRouter(nil, reader), http.MethodGet, "/api/v1/users/"+userID.String()+"/balance", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":"70"`)
}

func TestGetBalance_UnknownAccount(t *testing.T) {
	reader := new(MockLedgerReader)
	reader.On("GetBalance", mock.Anything, mock.Anything).Return(nil, domainerrors.ErrAccountNotFound)

	w := do(newWalletRouter(nil, reader), http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/balance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHistory_KindFilter(t *testing.T) {
	userID := uuid.New()
	reader := new(MockLedgerReader)
	reader.On("GetHistory", mock.Anything, mock.MatchedBy(func(f entities.HistoryFilter) bool {
		return f.UserID == userID && f.Kind != nil && *f.Kind == entities.EntryKindDeposit && f.Limit == 5
	})).Return(&ledger.HistoryPage{Total: 1, Limit: 5}, nil)
	router := newWalletRouter(nil, reader)

	w := do(router, http.MethodGet, "/api/v1/users/"+userID.String()+"/history?kind=deposit&limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	reader.AssertExpectations(t)

	w = do(router, http.MethodGet, "/api/v1/users/"+userID.String()+"/history?kind=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
