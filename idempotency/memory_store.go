// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	key  string
	kind string
}

// MemoryStore keeps records in process. It gives the same guarantees as
// PostgresStore within one process and is used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	handles map[uuid.UUID]recordKey
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]*Record),
		handles: make(map[uuid.UUID]recordKey),
	}
}

func (s *MemoryStore) Begin(ctx context.Context, key, kind, workflowID string, now time.Time, lockTimeout time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{key: key, kind: kind}
	existing, ok := s.records[k]
	if !ok {
		r := &Record{
			OperationKey:  key,
			OperationKind: kind,
			TaskHandle:    HandleFor(kind, key),
			WorkflowID:    workflowID,
			Status:        StatusProcessing,
			Attempts:      1,
			CreatedAt:     now,
			LockedAt:      now,
			UpdatedAt:     now,
		}
		s.records[k] = r
		s.handles[r.TaskHandle] = k
		return Decision{Outcome: Proceed, Record: clone(r)}, nil
	}

	outcome, t := decide(*existing, now, lockTimeout)
	apply(existing, t, now)
	return Decision{Outcome: outcome, Record: clone(existing)}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, kind string, result json.RawMessage, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{key: key, kind: kind}]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.Status == StatusCompleted {
		return clone(r), nil
	}
	r.Status = StatusCompleted
	r.Result = append(json.RawMessage(nil), result...)
	r.Failure = nil
	r.UpdatedAt = now
	return clone(r), nil
}

func (s *MemoryStore) Fail(ctx context.Context, key, kind string, failure Failure, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{key: key, kind: kind}]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.Status == StatusCompleted {
		return clone(r), ErrAlreadyCompleted
	}
	f := failure
	r.Status = StatusFailed
	r.Failure = &f
	r.UpdatedAt = now
	return clone(r), nil
}

func (s *MemoryStore) Get(ctx context.Context, key, kind string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{key: key, kind: kind}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) GetByHandle(ctx context.Context, handle uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.handles[handle]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(s.records[k]), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func clone(r *Record) Record {
	out := *r
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return out
}
