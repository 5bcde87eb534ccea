// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordCols = []string{
	"operation_key", "operation_kind", "task_handle", "workflow_id",
	"status", "result_payload", "error_payload", "attempts", "created_at", "locked_at", "updated_at",
}

func recordRow(key, kind string, status Status, result, errPayload []byte, attempts int, lockedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(recordCols).AddRow(
		key, kind, HandleFor(kind, key).String(), "wf-1",
		string(status), result, errPayload, attempts, t0, lockedAt, lockedAt,
	)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_BeginInsertsNewRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WithArgs("k1", "weave_script", HandleFor("weave_script", "k1"), "wf-1", t0).
		WillReturnRows(recordRow("k1", "weave_script", StatusProcessing, nil, nil, 1, t0))
	mock.ExpectCommit()

	d, err := store.Begin(context.Background(), "k1", "weave_script", "wf-1", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Outcome)
	assert.Equal(t, StatusProcessing, d.Record.Status)
	assert.Equal(t, HandleFor("weave_script", "k1"), d.Record.TaskHandle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginConflictOnFreshLock(t *testing.T) {
	store, mock := newMockStore(t)
	now := t0.Add(10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records (.+) FOR UPDATE").
		WithArgs("k1", "weave_script").
		WillReturnRows(recordRow("k1", "weave_script", StatusProcessing, nil, nil, 1, t0))
	mock.ExpectCommit()

	d, err := store.Begin(context.Background(), "k1", "weave_script", "wf-1", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Conflict, d.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginReclaimsStaleLock(t *testing.T) {
	store, mock := newMockStore(t)
	now := t0.Add(2 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(recordRow("k1", "weave_script", StatusProcessing, nil, nil, 1, t0))
	mock.ExpectQuery("UPDATE idempotency_records\\s+SET locked_at").
		WithArgs("k1", "weave_script", now).
		WillReturnRows(recordRow("k1", "weave_script", StatusProcessing, nil, nil, 2, now))
	mock.ExpectCommit()

	d, err := store.Begin(context.Background(), "k1", "weave_script", "wf-1", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Outcome)
	assert.Equal(t, 2, d.Record.Attempts)
	assert.Equal(t, now, d.Record.LockedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginRestartsRetryableFailure(t *testing.T) {
	store, mock := newMockStore(t)
	failure := []byte(`{"code":"tts_unavailable","message":"503","retryable":true}`)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(recordRow("k1", "synthesize_segment", StatusFailed, nil, failure, 1, t0))
	mock.ExpectQuery("SET status = 'processing', error_payload = NULL").
		WithArgs("k1", "synthesize_segment", t0).
		WillReturnRows(recordRow("k1", "synthesize_segment", StatusProcessing, nil, nil, 2, t0))
	mock.ExpectCommit()

	d, err := store.Begin(context.Background(), "k1", "synthesize_segment", "wf-1", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Outcome)
	assert.Equal(t, StatusProcessing, d.Record.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginReturnsStoredResult(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(recordRow("k1", "weave_script", StatusCompleted, []byte(`{"ok":true}`), nil, 1, t0))
	mock.ExpectCommit()

	d, err := store.Begin(context.Background(), "k1", "weave_script", "", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, d.Outcome)
	assert.JSONEq(t, `{"ok":true}`, string(d.Record.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginWrapsStoreErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO idempotency_records").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := store.Begin(context.Background(), "k1", "weave_script", "", t0, time.Minute)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteKeepsFirstResult(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE idempotency_records\\s+SET status = 'completed'").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
		WithArgs("k1", "weave_script").
		WillReturnRows(recordRow("k1", "weave_script", StatusCompleted, []byte(`{"v":1}`), nil, 1, t0))

	rec, err := store.Complete(context.Background(), "k1", "weave_script", json.RawMessage(`{"v":2}`), t0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(rec.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRefusesCompleted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE idempotency_records\\s+SET status = 'failed'").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
		WillReturnRows(recordRow("k1", "weave_script", StatusCompleted, []byte(`{}`), nil, 1, t0))

	rec, err := store.Fail(context.Background(), "k1", "weave_script", Failure{Code: "late"}, t0)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailUnknownKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE idempotency_records").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Fail(context.Background(), "k1", "weave_script", Failure{Code: "x"}, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetByHandle(t *testing.T) {
	store, mock := newMockStore(t)
	handle := HandleFor("weave_script", "k1")

	mock.ExpectQuery("WHERE task_handle = \\$1").
		WithArgs(handle).
		WillReturnRows(recordRow("k1", "weave_script", StatusFailed, nil, []byte(`{"code":"bad","message":"m","retryable":false}`), 1, t0))

	rec, err := store.GetByHandle(context.Background(), handle)
	require.NoError(t, err)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, "bad", rec.Failure.Code)
	assert.False(t, rec.Failure.Retryable)
}
