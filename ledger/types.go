// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ledger persists every orchestrated workflow and the tasks it
// delegates. Only the orchestrator invocation that created a workflow
// writes to its rows; terminal states are absorbing.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the overall state of a workflow
type WorkflowStatus string

const (
	WorkflowPending             WorkflowStatus = "pending"
	WorkflowInProgress          WorkflowStatus = "in_progress"
	WorkflowCompleted           WorkflowStatus = "completed"
	WorkflowFailed              WorkflowStatus = "failed"
	WorkflowCompletedWithErrors WorkflowStatus = "completed_with_errors"
)

// Valid reports whether s is a known status
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowInProgress, WorkflowCompleted, WorkflowFailed, WorkflowCompletedWithErrors:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is absorbing
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCompletedWithErrors:
		return true
	case WorkflowPending, WorkflowInProgress:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case WorkflowPending:
		return next != WorkflowPending
	case WorkflowInProgress:
		return next != WorkflowPending
	case WorkflowCompleted, WorkflowFailed, WorkflowCompletedWithErrors:
		return false
	default:
		return false
	}
}

// TaskStatus is the state of one delegated task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskPolling    TaskStatus = "polling"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDispatched, TaskPolling, TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is absorbing
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	case TaskPending, TaskDispatched, TaskPolling:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is allowed. A retry moves a
// polling task back to dispatched; nothing returns to pending.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case TaskPending:
		return true
	case TaskDispatched, TaskPolling:
		return next != TaskPending
	case TaskCompleted, TaskFailed, TaskSkipped:
		return false
	default:
		return false
	}
}

// ErrorDetails is the structured error stored on a failed task
type ErrorDetails struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WorkflowInstance is one top-level orchestrated request
type WorkflowInstance struct {
	WorkflowID      uuid.UUID              `json:"workflow_id"`
	TriggerKind     string                 `json:"trigger_kind"`
	TriggerDetails  json.RawMessage        `json:"trigger_details,omitempty"`
	OperationKey    string                 `json:"operation_key,omitempty"`
	PlanName        string                 `json:"plan_name"`
	Status          WorkflowStatus         `json:"overall_status"`
	ContextData     map[string]interface{} `json:"context_data"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	StartTime       time.Time              `json:"start_time"`
	EndTime         *time.Time             `json:"end_time,omitempty"`
	LastUpdatedTime time.Time              `json:"last_updated_time"`
}

// TaskInstance is one delegated step within a workflow
type TaskInstance struct {
	TaskID         uuid.UUID       `json:"task_id"`
	WorkflowID     uuid.UUID       `json:"workflow_id"`
	TaskOrder      int             `json:"task_order"`
	StepName       string          `json:"step_name"`
	AgentName      string          `json:"agent_name"`
	OperationKey   string          `json:"operation_key"`
	OperationKind  string          `json:"operation_kind"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	Status         TaskStatus      `json:"status"`
	InputParams    json.RawMessage `json:"input_params,omitempty"`
	OutputSummary  json.RawMessage `json:"output_summary,omitempty"`
	ErrorDetails   *ErrorDetails   `json:"error_details,omitempty"`
	RetryCount     int             `json:"retry_count"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
}

// TaskUpdate lists the fields UpdateTask may change. Nil pointers leave
// the stored value untouched.
type TaskUpdate struct {
	Status         TaskStatus
	ExternalTaskID *string
	OutputSummary  json.RawMessage
	ErrorDetails   *ErrorDetails
	RetryCount     *int
}

// ListOptions filters ListWorkflows
type ListOptions struct {
	Status WorkflowStatus
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
