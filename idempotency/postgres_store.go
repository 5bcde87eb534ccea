// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const recordColumns = `operation_key, operation_kind, task_handle, COALESCE(workflow_id, ''),
	status, result_payload, error_payload, attempts, created_at, locked_at, updated_at`

// PostgresStore implements Store on the idempotency_records table. The
// (operation_key, operation_kind) primary key is the only mutual exclusion
// between agent replicas.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r         Record
		status    string
		result    []byte
		errorJSON []byte
	)
	err := row.Scan(&r.OperationKey, &r.OperationKind, &r.TaskHandle, &r.WorkflowID,
		&status, &result, &errorJSON, &r.Attempts, &r.CreatedAt, &r.LockedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}

	r.Status = Status(status)
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if len(errorJSON) > 0 {
		var f Failure
		if err := json.Unmarshal(errorJSON, &f); err != nil {
			return Record{}, fmt.Errorf("failed to decode error_payload: %w", err)
		}
		r.Failure = &f
	}
	return r, nil
}

// Begin inserts a processing record or classifies the existing one inside a
// single transaction. ON CONFLICT DO NOTHING waits for a concurrent inserter
// to commit, after which SELECT ... FOR UPDATE sees its row.
func (s *PostgresStore) Begin(ctx context.Context, key, kind, workflowID string, now time.Time, lockTimeout time.Duration) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: failed to begin transaction: %w", ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO idempotency_records (
			operation_key, operation_kind, task_handle, workflow_id,
			status, attempts, created_at, locked_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), 'processing', 1, $5, $5, $5)
		ON CONFLICT (operation_key, operation_kind) DO NOTHING
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRowContext(ctx, insert, key, kind, HandleFor(kind, key), workflowID, now))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return Decision{}, fmt.Errorf("%w: failed to commit insert: %w", ErrStore, err)
		}
		return Decision{Outcome: Proceed, Record: rec}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Decision{}, fmt.Errorf("%w: failed to insert record: %w", ErrStore, err)
	}

	lock := `SELECT ` + recordColumns + `
		FROM idempotency_records
		WHERE operation_key = $1 AND operation_kind = $2
		FOR UPDATE`
	existing, err := scanRecord(tx.QueryRowContext(ctx, lock, key, kind))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: failed to lock existing record: %w", ErrStore, err)
	}

	outcome, t := decide(existing, now, lockTimeout)
	switch t {
	case reclaim:
		existing, err = scanRecord(tx.QueryRowContext(ctx, `
			UPDATE idempotency_records
			SET locked_at = $3, updated_at = $3, attempts = attempts + 1
			WHERE operation_key = $1 AND operation_kind = $2
			RETURNING `+recordColumns, key, kind, now))
	case restart:
		existing, err = scanRecord(tx.QueryRowContext(ctx, `
			UPDATE idempotency_records
			SET status = 'processing', error_payload = NULL,
				locked_at = $3, updated_at = $3, attempts = attempts + 1
			WHERE operation_key = $1 AND operation_kind = $2
			RETURNING `+recordColumns, key, kind, now))
	case keep:
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: failed to update record: %w", ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("%w: failed to commit: %w", ErrStore, err)
	}
	return Decision{Outcome: outcome, Record: existing}, nil
}

// Complete stores the result unless one is already stored
func (s *PostgresStore) Complete(ctx context.Context, key, kind string, result json.RawMessage, now time.Time) (Record, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', result_payload = $3, error_payload = NULL, updated_at = $4
		WHERE operation_key = $1 AND operation_kind = $2 AND status <> 'completed'
		RETURNING `+recordColumns, key, kind, []byte(result), now))
	if errors.Is(err, sql.ErrNoRows) {
		return s.Get(ctx, key, kind)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to complete record: %w", ErrStore, err)
	}
	return rec, nil
}

// Fail stores the failure payload. A completed record is never downgraded.
func (s *PostgresStore) Fail(ctx context.Context, key, kind string, failure Failure, now time.Time) (Record, error) {
	payload, err := json.Marshal(failure)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal failure: %w", err)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE idempotency_records
		SET status = 'failed', error_payload = $3, updated_at = $4
		WHERE operation_key = $1 AND operation_kind = $2 AND status <> 'completed'
		RETURNING `+recordColumns, key, kind, payload, now))
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, key, kind)
		if getErr != nil {
			return Record{}, getErr
		}
		return existing, ErrAlreadyCompleted
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to fail record: %w", ErrStore, err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, key, kind string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE operation_key = $1 AND operation_kind = $2`, key, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to get record: %w", ErrStore, err)
	}
	return rec, nil
}

func (s *PostgresStore) GetByHandle(ctx context.Context, handle uuid.UUID) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE task_handle = $1`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to get record by handle: %w", ErrStore, err)
	}
	return rec, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}
