package store

import (
	"context"
	"database/sql"
	"testing"

	"codeplane/internal/apperrors"
	"codeplane/internal/tenant"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewWithDB(raw), mock
}

func ctxFor(tid uuid.UUID) context.Context {
	return tenant.WithTenant(context.Background(), tid)
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	tid := uuid.New()
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM sessions s").
		WithArgs(id, tid).
		WillReturnError(sql.ErrNoRows)

	_, err := db.Sessions().GetByID(ctxFor(tid), id, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDRequiresTenant(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := db.Sessions().GetByID(context.Background(), uuid.New(), false)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTenantRequired, apperrors.CodeOf(err))
}

func TestSoftDeleteStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)
	tid := uuid.New()
	id := uuid.New()

	// Zero rows affected means the version predicate did not match.
	mock.ExpectExec("UPDATE sessions SET deleted_at").
		WithArgs(id, tid, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.Sessions().SoftDelete(ctxFor(tid), id, 3)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeStaleVersion, apperrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteSucceeds(t *testing.T) {
	db, mock := newMockDB(t)
	tid := uuid.New()
	id := uuid.New()

	mock.ExpectExec("UPDATE sessions SET deleted_at").
		WithArgs(id, tid, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.Sessions().SoftDelete(ctxFor(tid), id, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveExcludesTerminalStates(t *testing.T) {
	db, mock := newMockDB(t)
	tid := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sessions`).
		WithArgs(tid).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := db.Sessions().CountActive(ctxFor(tid))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	db, mock := newMockDB(t)
	tid := uuid.New()
	id := uuid.New()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id, tid).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := db.Sessions().Exists(ctxFor(tid), id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheInvalidation(t *testing.T) {
	c := NewCache()
	c.SetID("sessions", "abc", "record")
	c.SetList("sessions", "page1", "listing")
	c.SetID("agents", "zzz", "other")

	if _, ok := c.GetID("sessions", "abc"); !ok {
		t.Fatal("expected cached id")
	}

	c.Invalidate("sessions", "abc")

	_, ok := c.GetID("sessions", "abc")
	assert.False(t, ok, "id key invalidated")
	_, ok = c.GetList("sessions", "page1")
	assert.False(t, ok, "list keys under the prefix invalidated")
	_, ok = c.GetID("agents", "zzz")
	assert.True(t, ok, "other prefixes untouched")
}
