// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines ledger persistence
type Repository interface {
	// Workflow operations
	CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error
	UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus) error
	MergeContext(ctx context.Context, workflowID uuid.UUID, patch map[string]interface{}) error
	FinalizeWorkflow(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus, errorMessage string) (*WorkflowInstance, error)
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*WorkflowInstance, error)
	GetWorkflowByOperationKey(ctx context.Context, operationKey string) (*WorkflowInstance, error)
	ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowInstance, int, error)

	// Task operations
	CreateTask(ctx context.Context, task *TaskInstance) error
	UpdateTask(ctx context.Context, taskID uuid.UUID, update TaskUpdate) (*TaskInstance, error)
	ListTasks(ctx context.Context, workflowID uuid.UUID) ([]TaskInstance, error)

	// Health check
	Ping(ctx context.Context) error
}

func validateNewWorkflow(wf *WorkflowInstance) error {
	if wf == nil || wf.TriggerKind == "" {
		return ErrInvalidInput
	}
	if wf.Status == "" {
		wf.Status = WorkflowPending
	}
	if wf.Status.IsTerminal() || !wf.Status.Valid() {
		return ErrInvalidTransition
	}
	if wf.WorkflowID == uuid.Nil {
		wf.WorkflowID = uuid.New()
	}
	if wf.ContextData == nil {
		wf.ContextData = map[string]interface{}{}
	}
	return nil
}

func validateNewTask(task *TaskInstance) error {
	if task == nil || task.WorkflowID == uuid.Nil || task.TaskOrder <= 0 ||
		task.AgentName == "" || task.OperationKey == "" || task.OperationKind == "" {
		return ErrInvalidInput
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.Status != TaskPending && task.Status != TaskSkipped {
		return ErrInvalidTransition
	}
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	return nil
}
