package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/pkg/logger"
)

type MockAddressProvisioner struct {
	mock.Mock
}

func (m *MockAddressProvisioner) ProvisionAddress(ctx context.Context, userID uuid.UUID) (*entities.WatchedAddress, bool, error) {
	args := m.Called(ctx, userID)
	w, _ := args.Get(0).(*entities.WatchedAddress)
	return w, args.Bool(1), args.Error(2)
}

func (m *MockAddressProvisioner) ListAddresses(ctx context.Context, userID uuid.UUID) ([]*entities.WatchedAddress, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*entities.WatchedAddress), args.Error(1)
}

func (m *MockAddressProvisioner) SetAddressActive(ctx context.Context, address string, active bool) (*entities.WatchedAddress, error) {
	args := m.Called(ctx, address, active)
	w, _ := args.Get(0).(*entities.WatchedAddress)
	return w, args.Error(1)
}

func newAddressRouter(p AddressProvisioner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewWalletHandlers(p, logger.New("debug", "test"))
	router := gin.New()
	router.POST("/api/v1/users/:user_id/addresses", h.ProvisionAddress)
	router.GET("/api/v1/users/:user_id/addresses", h.GetAddresses)
	router.PUT("/ops/addresses/:address/active", h.SetAddressActive)
	return router
}

func TestProvisionAddress_Status(t *testing.T) {
	tests := []struct {
		name    string
		created bool
		status  int
	}{
		{"new address", true, http.StatusCreated},
		{"existing address", false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID := uuid.New()
			p := new(MockAddressProvisioner)
			p.On("ProvisionAddress", mock.Anything, userID).
				Return(&entities.WatchedAddress{Address: "0xabc", UserID: userID, Active: true}, tt.created, nil)

			w := do(newAddressRouter(p), http.MethodPost, "/api/v1/users/"+userID.String()+"/addresses", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"address":"0xabc"`)
		})
	}
}

func TestProvisionAddress_Conflict(t *testing.T) {
	p := new(MockAddressProvisioner)
	p.On("ProvisionAddress", mock.Anything, mock.Anything).Return(nil, false, domainerrors.ErrConflict)

	w := do(newAddressRouter(p), http.MethodPost, "/api/v1/users/"+uuid.NewString()+"/addresses", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAddresses(t *testing.T) {
	userID := uuid.New()
	p := new(MockAddressProvisioner)
	p.On("ListAddresses", mock.Anything, userID).
		Return([]*entities.WatchedAddress{{Address: "0xabc"}, {Address: "0xdef"}}, nil)

	w := do(newAddressRouter(p), http.MethodGet, "/api/v1/users/"+userID.String()+"/addresses", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestSetAddressActive(t *testing.T) {
	const addr = "0x00000000000000000000000000000000000000aa"

	t.Run("deactivates", func(t *testing.T) {
		p := new(MockAddressProvisioner)
		p.On("SetAddressActive", mock.Anything, addr, false).Return(&entities.WatchedAddress{Address: addr}, nil)

		w := do(newAddressRouter(p), http.MethodPut, "/ops/addresses/"+addr+"/active", `{"active":false}`)
		assert.Equal(t, http.StatusOK, w.Code)
		p.AssertExpectations(t)
	})

	t.Run("requires flag", func(t *testing.T) {
		w := do(newAddressRouter(new(MockAddressProvisioner)), http.MethodPut, "/ops/addresses/"+addr+"/active", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown address", func(t *testing.T) {
		p := new(MockAddressProvisioner)
		p.On("SetAddressActive", mock.Anything, addr, true).Return(nil, domainerrors.NotFoundError("watched address"))

		w := do(newAddressRouter(p), http.MethodPut, "/ops/addresses/"+addr+"/active", `{"active":true}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
