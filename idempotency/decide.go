// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import "time"

// transition is the write a store must apply to an existing record
type transition int

const (
	keep    transition = iota // leave the row untouched
	reclaim                   // stale processing lock: locked_at = now
	restart                   // retryable failure: back to processing
)

// decide classifies an existing record. Every store runs it while holding
// the row lock, so the answer and the follow-up write are atomic.
func decide(existing Record, now time.Time, lockTimeout time.Duration) (Outcome, transition) {
	switch existing.Status {
	case StatusCompleted:
		return AlreadyCompleted, keep
	case StatusProcessing:
		if now.Sub(existing.LockedAt) > lockTimeout {
			return Proceed, reclaim
		}
		return Conflict, keep
	case StatusFailed:
		if existing.Failure != nil && !existing.Failure.Retryable {
			return AlreadyFailed, keep
		}
		return Proceed, restart
	default:
		// Unknown statuses are treated as a held lock; never run twice.
		return Conflict, keep
	}
}

// apply performs the in-memory part of a transition
func apply(r *Record, t transition, now time.Time) {
	switch t {
	case reclaim:
		r.LockedAt = now
		r.UpdatedAt = now
		r.Attempts++
	case restart:
		r.Status = StatusProcessing
		r.Failure = nil
		r.LockedAt = now
		r.UpdatedAt = now
		r.Attempts++
	case keep:
	}
}
