// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// DefaultLockTimeout is used when NewGuard is given a non-positive timeout
const DefaultLockTimeout = 15 * time.Minute

// Guard enforces at-most-once execution per (operation_key, operation_kind)
type Guard struct {
	store       Store
	clock       Clock
	lockTimeout time.Duration
	log         *logger.Logger
}

// Option configures a Guard
type Option func(*Guard)

// WithClock replaces the wall clock, e.g. with a ManualClock in tests
func WithClock(c Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the guard logger
func WithLogger(l *logger.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// NewGuard creates a guard over store
func NewGuard(store Store, lockTimeout time.Duration, opts ...Option) *Guard {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	g := &Guard{
		store:       store,
		clock:       SystemClock{},
		lockTimeout: lockTimeout,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LockTimeout returns the age after which a processing record is reclaimable
func (g *Guard) LockTimeout() time.Duration {
	return g.lockTimeout
}

// Begin claims the key or reports why the caller must not execute
func (g *Guard) Begin(ctx context.Context, key, kind, workflowID string) (Decision, error) {
	if key == "" || kind == "" {
		return Decision{}, ErrInvalidInput
	}

	now := g.clock.Now()
	d, err := g.store.Begin(ctx, key, kind, workflowID, now, g.lockTimeout)
	if err != nil {
		g.log.ErrorWithErr(workflowID, key, "Idempotency begin failed", err, map[string]interface{}{"kind": kind})
		return Decision{}, err
	}

	fields := map[string]interface{}{
		"kind":     kind,
		"outcome":  string(d.Outcome),
		"attempts": d.Record.Attempts,
		"handle":   d.Record.TaskHandle.String(),
	}
	if d.Outcome == Proceed && d.Record.Attempts > 1 {
		g.log.Info(workflowID, key, "Reclaimed idempotency key", fields)
	} else {
		g.log.Debug(workflowID, key, "Idempotency decision", fields)
	}
	return d, nil
}

// Complete marks the operation completed. Calling it again keeps the first
// stored result.
func (g *Guard) Complete(ctx context.Context, key, kind string, result json.RawMessage) (Record, error) {
	if key == "" || kind == "" {
		return Record{}, ErrInvalidInput
	}
	return g.store.Complete(ctx, key, kind, result, g.clock.Now())
}

// Fail marks the operation failed with a structured payload
func (g *Guard) Fail(ctx context.Context, key, kind string, failure Failure) (Record, error) {
	if key == "" || kind == "" {
		return Record{}, ErrInvalidInput
	}
	rec, err := g.store.Fail(ctx, key, kind, failure, g.clock.Now())
	if err == nil {
		g.log.Warn(rec.WorkflowID, key, "Operation failed", map[string]interface{}{
			"kind":      kind,
			"code":      failure.Code,
			"retryable": failure.Retryable,
		})
	}
	return rec, err
}

// Peek reports the decision Begin would return for an existing record
// without writing anything. ok is false when Begin would claim the key,
// either because no record exists or because it is reclaimable.
func (g *Guard) Peek(ctx context.Context, key, kind string) (d Decision, ok bool, err error) {
	if key == "" || kind == "" {
		return Decision{}, false, ErrInvalidInput
	}
	rec, err := g.store.Get(ctx, key, kind)
	if errors.Is(err, ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	outcome, _ := decide(rec, g.clock.Now(), g.lockTimeout)
	if outcome == Proceed {
		return Decision{}, false, nil
	}
	return Decision{Outcome: outcome, Record: rec}, true, nil
}

// Lookup returns the record for a key
func (g *Guard) Lookup(ctx context.Context, key, kind string) (Record, error) {
	return g.store.Get(ctx, key, kind)
}

// LookupHandle returns the record for a task handle
func (g *Guard) LookupHandle(ctx context.Context, handle uuid.UUID) (Record, error) {
	return g.store.GetByHandle(ctx, handle)
}

// Ping checks the backing store
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Run executes fn under the guard. fn runs only on Proceed; its result or
// error is recorded before Run returns. Decisions other than Proceed are
// returned untouched.
func (g *Guard) Run(ctx context.Context, key, kind, workflowID string, fn func(ctx context.Context) (json.RawMessage, error)) (Decision, error) {
	d, err := g.Begin(ctx, key, kind, workflowID)
	if err != nil || d.Outcome != Proceed {
		return d, err
	}

	result, runErr := fn(ctx)
	if runErr != nil {
		rec, err := g.Fail(ctx, key, kind, FailureFromError(runErr))
		if err != nil {
			return d, err
		}
		return Decision{Outcome: Proceed, Record: rec}, nil
	}

	rec, err := g.Complete(ctx, key, kind, result)
	if err != nil {
		return d, err
	}
	return Decision{Outcome: Proceed, Record: rec}, nil
}

// FailureFromError converts an execution error to a stored payload.
// Errors that are not a *Failure are treated as retryable.
func FailureFromError(err error) Failure {
	var f *Failure
	if errors.As(err, &f) {
		return *f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Code: "timeout", Message: err.Error(), Retryable: true}
	}
	return Failure{Code: "execution_failed", Message: err.Error(), Retryable: true}
}
