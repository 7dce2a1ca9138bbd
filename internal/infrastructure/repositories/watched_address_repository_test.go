package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
)

func TestWatchedAddressRepository_Create_NormalizesAddress(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWatchedAddressRepository(db)

	w := &entities.WatchedAddress{
		Address: "0xABCDEF0000000000000000000000000000000001",
		UserID:  uuid.New(),
		Active:  true,
	}
	mock.ExpectExec("INSERT INTO watched_addresses").
		WithArgs(sqlmock.AnyArg(), "0xabcdef0000000000000000000000000000000001", w.UserID, uint32(0), nil, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), w))
	assert.NotEqual(t, uuid.Nil, w.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatchedAddressRepository_Create_DuplicateIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWatchedAddressRepository(db)

	mock.ExpectExec("INSERT INTO watched_addresses").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &entities.WatchedAddress{Address: "0x01", UserID: uuid.New()})
	assert.True(t, errors.Is(err, domainerrors.ErrConflict))
}

func TestWatchedAddressRepository_NextDerivationIndex(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWatchedAddressRepository(db)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(derivation_index\\) \\+ 1, 0\\) FROM watched_addresses").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(7)))

	next, err := repo.NextDerivationIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), next)
}

func TestWatchedAddressRepository_SetActive_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWatchedAddressRepository(db)

	mock.ExpectExec("UPDATE watched_addresses SET active").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetActive(context.Background(), uuid.New(), false)
	assert.True(t, domainerrors.IsNotFound(err))
}
