package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store, mock
}

func TestSQLStore_AppendRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "ts"}).AddRow(0, 0))
	mock.ExpectExec("INSERT INTO turns").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO turns").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Append(context.Background(), "s1", userTurn("hi"), assistantTurn("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendMissingSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	err := store.Append(context.Background(), "missing", userTurn("hi"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendCommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "ts"}).AddRow(4, time.Unix(1600000000, 0).UnixNano()))
	mock.ExpectExec("INSERT INTO turns").
		WithArgs("s1", 5, sqlmock.AnyArg(), "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("UPDATE sessions SET last_active_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := store.Append(context.Background(), "s1", userTurn("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit turns")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT created_at, last_active_at, metadata FROM sessions").
		WithArgs("s1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.Get(context.Background(), "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ExpireCountsSessions(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Unix(1700000000, 0).Add(-time.Hour).UnixNano()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM turns WHERE session_id IN").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("DELETE FROM sessions WHERE last_active_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := store.Expire(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PingFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectPing().WillReturnError(errors.New("unreachable"))

	assert.Error(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
