package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionManager_NestedCallsJoinOuterTransaction(t *testing.T) {
	mock := newMockPool(t)
	tm := NewTransactionManager(mock)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		outer := GetTx(ctx)
		require.NotNil(t, outer)
		return tm.WithTransaction(ctx, func(inner context.Context) error {
			assert.Equal(t, outer, GetTx(inner))
			return nil
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_PanicRollsBack(t *testing.T) {
	mock := newMockPool(t)
	tm := NewTransactionManager(mock)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_BeginFailure(t *testing.T) {
	mock := newMockPool(t)
	tm := NewTransactionManager(mock)
	boom := errors.New("no connection")

	mock.ExpectBegin().WillReturnError(boom)

	called := false
	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestGetConnWithoutTransactionUsesPool(t *testing.T) {
	mock := newMockPool(t)
	assert.Equal(t, DBTX(mock), GetConn(context.Background(), mock))
}

func TestMigrate(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS optimization_runs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}
