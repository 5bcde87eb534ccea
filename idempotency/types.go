// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package idempotency implements the guard every agent runs before
// executing an operation. A record per (operation_key, operation_kind)
// guarantees the operation body runs at most once, even when the
// orchestrator retries, duplicates a submission, or crashes mid-flight.
package idempotency

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an idempotency record
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends an attempt. A failed record may still
// move back to processing when the same key is retried.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusProcessing:
		return false
	default:
		return false
	}
}

// Outcome is the answer Begin gives to the caller
type Outcome string

const (
	// Proceed means the caller now owns the key and must run the operation
	Proceed Outcome = "proceed"
	// AlreadyCompleted means the stored result must be returned as is
	AlreadyCompleted Outcome = "already_completed"
	// AlreadyFailed means a non-retryable failure is stored for the key
	AlreadyFailed Outcome = "already_failed"
	// Conflict means another attempt holds a fresh lock on the key
	Conflict Outcome = "conflict"
)

// Failure is the structured error payload stored on failed records
type Failure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Record mirrors one row of idempotency_records
type Record struct {
	OperationKey  string          `json:"operation_key"`
	OperationKind string          `json:"operation_kind"`
	TaskHandle    uuid.UUID       `json:"task_handle"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Failure       *Failure        `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	LockedAt      time.Time       `json:"locked_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Decision is the result of Begin together with the record as it stands
// after the call.
type Decision struct {
	Outcome Outcome
	Record  Record
}

// handleNamespace scopes task handles so they never collide with other v5 ids
var handleNamespace = uuid.MustParse("6f1c2a44-9b3e-5d7a-8c21-3e9f0b6d4a17")

// HandleFor returns the deterministic task handle for a key. The same
// (kind, key) pair always maps to the same handle, so a duplicate dispatch
// receives the handle of the original attempt.
func HandleFor(kind, key string) uuid.UUID {
	return uuid.NewSHA1(handleNamespace, []byte(kind+"\x00"+key))
}
