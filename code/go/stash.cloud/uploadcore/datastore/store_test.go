package datastore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
)

func init() {
	logging.Logger = zap.NewNop()
}

func TestWithNewTransactionCommits(t *testing.T) {
	mock := UseSqlmock()

	mock.Sqlmock.ExpectBegin()
	mock.Sqlmock.ExpectExec("UPDATE upload_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.Sqlmock.ExpectCommit()

	err := GetStore().WithNewTransaction(func(ctx context.Context) error {
		tx := GetStore().GetTransaction(ctx)
		require.NotNil(t, tx)
		return tx.Exec("UPDATE upload_sessions SET state = 1").Error
	})
	require.NoError(t, err)
	require.NoError(t, mock.Sqlmock.ExpectationsWereMet())
}

func TestWithNewTransactionRollsBackOnError(t *testing.T) {
	mock := UseSqlmock()

	mock.Sqlmock.ExpectBegin()
	mock.Sqlmock.ExpectRollback()

	boom := errors.New("boom")
	err := GetStore().WithNewTransaction(func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.Sqlmock.ExpectationsWereMet())
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	_, err := UseInMemory()
	require.NoError(t, err)

	type row struct {
		ID   int `gorm:"primary_key"`
		Name string
	}
	require.NoError(t, GetStore().AutoMigrate(&row{}))

	err = GetStore().WithNewTransaction(func(ctx context.Context) error {
		return GetStore().GetTransaction(ctx).Create(&row{ID: 1, Name: "one"}).Error
	})
	require.NoError(t, err)

	err = GetStore().WithNewTransaction(func(ctx context.Context) error {
		var loaded row
		if err := GetStore().GetTransaction(ctx).Take(&loaded, 1).Error; err != nil {
			return err
		}
		require.Equal(t, "one", loaded.Name)
		return nil
	})
	require.NoError(t, err)
}
