// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package dispatch is the orchestrator side of the agent protocol: submit
// an operation under an idempotency key, then poll its handle until it
// reaches a terminal state. Repeating a dispatch with the same key is
// always safe; the agent's idempotency guard decides whether anything runs.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Protocol headers
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"
)

// TasksPath is the agent resource for dispatch and poll
const TasksPath = "/v1/tasks"

// MaxOperationKeyLength matches the operation_key columns of the ledger
// and the idempotency store.
const MaxOperationKeyLength = 255

// State is the remote state of a dispatched task
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether polling can stop
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed:
		return true
	case StatePending, StateRunning:
		return false
	default:
		return false
	}
}

// Endpoint identifies one agent service
type Endpoint struct {
	Agent string
	URL   string
}

// Request is one operation submitted to an agent
type Request struct {
	OperationKey  string
	OperationKind string
	WorkflowID    string
	CorrelationID string
	Payload       json.RawMessage
}

// TaskError is the failure an agent reports for a task it accepted
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PollResult is the state of a task at one point in time
type PollResult struct {
	State  State
	Result json.RawMessage
	Error  *TaskError
}

// Handle is returned by a successful dispatch. A duplicate dispatch of an
// already finished operation carries its terminal state directly.
type Handle struct {
	ExternalTaskID string
	PollResult
}

// DispatchBody is the JSON body of POST /v1/tasks
type DispatchBody struct {
	OperationKind string          `json:"operation_kind"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// TaskBody is the JSON body agents return for dispatch and poll
type TaskBody struct {
	TaskID string          `json:"task_id"`
	State  State           `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// ErrorBody is the JSON body of a rejected request
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
