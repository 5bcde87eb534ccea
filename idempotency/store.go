// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store persists idempotency records. Every method is one atomic unit:
// Begin in particular must insert-if-absent and classify the existing row
// without a window in which a second caller could also win.
type Store interface {
	Begin(ctx context.Context, key, kind, workflowID string, now time.Time, lockTimeout time.Duration) (Decision, error)
	Complete(ctx context.Context, key, kind string, result json.RawMessage, now time.Time) (Record, error)
	Fail(ctx context.Context, key, kind string, failure Failure, now time.Time) (Record, error)
	Get(ctx context.Context, key, kind string) (Record, error)
	GetByHandle(ctx context.Context, handle uuid.UUID) (Record, error)
	Ping(ctx context.Context) error
}
