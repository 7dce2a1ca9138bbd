package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

// maxIndexAttempts bounds retries when two provisions race for the same index
const maxIndexAttempts = 3

// AddressRepository persists deposit addresses
type AddressRepository interface {
	Create(ctx context.Context, w *entities.WatchedAddress) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.WatchedAddress, error)
	NextDerivationIndex(ctx context.Context) (uint32, error)
	GetByAddress(ctx context.Context, address string) (*entities.WatchedAddress, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Deriver derives deposit addresses from the HD seed
type Deriver interface {
	AddressAt(index uint32) (common.Address, error)
}

// Service provisions per-user deposit addresses. The scanner picks a new
// address up on its next tick.
type Service struct {
	repo    AddressRepository
	deriver Deriver
	logger  *zap.Logger
}

// NewService creates a new wallet service
func NewService(repo AddressRepository, deriver Deriver, logger *zap.Logger) *Service {
	return &Service{repo: repo, deriver: deriver, logger: logger}
}

// ProvisionAddress returns the user's active deposit address, deriving and
// registering the next HD address when the user has none.
func (s *Service) ProvisionAddress(ctx context.Context, userID uuid.UUID) (*entities.WatchedAddress, bool, error) {
	if userID == uuid.Nil {
		return nil, false, domainerrors.ValidationError("user_id", "user id is required")
	}

	existing, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load addresses: %w", err)
	}
	for _, w := range existing {
		if w.Active {
			return w, false, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxIndexAttempts; attempt++ {
		index, err := s.repo.NextDerivationIndex(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to allocate derivation index: %w", err)
		}
		addr, err := s.deriver.AddressAt(index)
		if err != nil {
			return nil, false, fmt.Errorf("failed to derive address: %w", err)
		}

		w := &entities.WatchedAddress{
			Address:         addr.Hex(),
			UserID:          userID,
			DerivationIndex: index,
			Active:          true,
		}
		err = s.repo.Create(ctx, w)
		if err == nil {
			s.logger.Info("Provisioned deposit address",
				zap.String("user_id", userID.String()),
				zap.String("address", w.Address),
				zap.Uint32("derivation_index", index))
			return w, true, nil
		}
		if !errors.Is(err, domainerrors.ErrConflict) {
			return nil, false, fmt.Errorf("failed to register address: %w", err)
		}
		s.logger.Warn("Derivation index taken, retrying",
			zap.Uint32("derivation_index", index),
			zap.Int("attempt", attempt+1))
		lastErr = err
	}
	return nil, false, fmt.Errorf("failed to provision address after %d attempts: %w", maxIndexAttempts, lastErr)
}

// ListAddresses returns every address registered for a user
func (s *Service) ListAddresses(ctx context.Context, userID uuid.UUID) ([]*entities.WatchedAddress, error) {
	addresses, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	return addresses, nil
}

// SetAddressActive starts or stops scanning and sweeping of an address. A
// deactivated address keeps its ledger history; reactivating it does not
// change the user's other addresses.
func (s *Service) SetAddressActive(ctx context.Context, address string, active bool) (*entities.WatchedAddress, error) {
	if !common.IsHexAddress(address) {
		return nil, domainerrors.ValidationError("address", "must be a 0x-prefixed hex address")
	}

	w, err := s.repo.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if w.Active == active {
		return w, nil
	}

	if err := s.repo.SetActive(ctx, w.ID, active); err != nil {
		return nil, err
	}
	w.Active = active
	s.logger.Info("Deposit address state changed",
		zap.String("address", w.Address),
		zap.String("user_id", w.UserID.String()),
		zap.Bool("active", active))
	return w, nil
}
