// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*WorkflowInstance
	tasks     map[uuid.UUID]*TaskInstance
	byKey     map[string]uuid.UUID
	now       func() time.Time

	// Error injection for testing
	CreateWorkflowErr error
	MergeContextErr   error
	FinalizeErr       error
	CreateTaskErr     error
	UpdateTaskErr     error
	PingErr           error
}

// Ensure MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows: make(map[uuid.UUID]*WorkflowInstance),
		tasks:     make(map[uuid.UUID]*TaskInstance),
		byKey:     make(map[string]uuid.UUID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	if r.CreateWorkflowErr != nil {
		return r.CreateWorkflowErr
	}
	if err := validateNewWorkflow(wf); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[wf.WorkflowID]; ok {
		return ErrDuplicate
	}
	if wf.OperationKey != "" {
		if _, ok := r.byKey[wf.OperationKey]; ok {
			return ErrDuplicate
		}
		r.byKey[wf.OperationKey] = wf.WorkflowID
	}

	now := r.now()
	wf.StartTime = now
	wf.LastUpdatedTime = now
	r.workflows[wf.WorkflowID] = cloneWorkflow(wf)
	return nil
}

func (r *MemoryRepository) UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus) error {
	if status.IsTerminal() {
		return ErrInvalidTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	if err := checkWorkflowTransition(wf.Status, status); err != nil {
		return err
	}
	wf.Status = status
	wf.LastUpdatedTime = r.now()
	return nil
}

func (r *MemoryRepository) MergeContext(ctx context.Context, workflowID uuid.UUID, patch map[string]interface{}) error {
	if r.MergeContextErr != nil {
		return r.MergeContextErr
	}
	// Round-trip through JSON so stored values match what Postgres returns.
	normalized, err := normalizeJSON(patch)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	if wf.Status.IsTerminal() {
		return ErrTerminalState
	}
	for k, v := range normalized {
		wf.ContextData[k] = v
	}
	wf.LastUpdatedTime = r.now()
	return nil
}

func (r *MemoryRepository) FinalizeWorkflow(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus, errorMessage string) (*WorkflowInstance, error) {
	if r.FinalizeErr != nil {
		return nil, r.FinalizeErr
	}
	if !status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkWorkflowTransition(wf.Status, status); err != nil {
		return nil, err
	}
	now := r.now()
	wf.Status = status
	wf.ErrorMessage = errorMessage
	wf.EndTime = &now
	wf.LastUpdatedTime = now
	return cloneWorkflow(wf), nil
}

func (r *MemoryRepository) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (r *MemoryRepository) GetWorkflowByOperationKey(ctx context.Context, operationKey string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[operationKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(r.workflows[id]), nil
}

func (r *MemoryRepository) ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowInstance, int, error) {
	opts = opts.normalized()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []WorkflowInstance
	for _, wf := range r.workflows {
		if opts.Status != "" && wf.Status != opts.Status {
			continue
		}
		matched = append(matched, *cloneWorkflow(wf))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	total := len(matched)
	if opts.Offset >= total {
		return []WorkflowInstance{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return matched[opts.Offset:end], total, nil
}

func (r *MemoryRepository) CreateTask(ctx context.Context, task *TaskInstance) error {
	if r.CreateTaskErr != nil {
		return r.CreateTaskErr
	}
	if err := validateNewTask(task); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[task.WorkflowID]
	if !ok {
		return ErrNotFound
	}
	if wf.Status.IsTerminal() {
		return ErrTerminalState
	}
	for _, t := range r.tasks {
		if t.WorkflowID == task.WorkflowID && t.TaskOrder == task.TaskOrder {
			return ErrDuplicate
		}
	}

	now := r.now()
	task.StartTime = now
	if task.Status.IsTerminal() {
		task.EndTime = &now
	}
	cp := *task
	r.tasks[task.TaskID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, taskID uuid.UUID, update TaskUpdate) (*TaskInstance, error) {
	if r.UpdateTaskErr != nil {
		return nil, r.UpdateTaskErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkTaskTransition(task.Status, update.Status); err != nil {
		return nil, err
	}

	task.Status = update.Status
	if update.ExternalTaskID != nil {
		task.ExternalTaskID = *update.ExternalTaskID
	}
	if update.OutputSummary != nil {
		task.OutputSummary = append(json.RawMessage(nil), update.OutputSummary...)
	}
	if update.ErrorDetails != nil {
		d := *update.ErrorDetails
		task.ErrorDetails = &d
	}
	if update.RetryCount != nil {
		task.RetryCount = *update.RetryCount
	}
	if update.Status.IsTerminal() {
		now := r.now()
		task.EndTime = &now
	}
	cp := *task
	return &cp, nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, workflowID uuid.UUID) ([]TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []TaskInstance{}
	for _, t := range r.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskOrder < out[j].TaskOrder })
	return out, nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return r.PingErr
}

func checkWorkflowTransition(from, to WorkflowStatus) error {
	if from.IsTerminal() {
		return ErrTerminalState
	}
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	return nil
}

func checkTaskTransition(from, to TaskStatus) error {
	if from.IsTerminal() {
		return ErrTerminalState
	}
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	return nil
}

func normalizeJSON(m map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, ErrInvalidInput
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, ErrInvalidInput
	}
	return out, nil
}

func cloneWorkflow(wf *WorkflowInstance) *WorkflowInstance {
	cp := *wf
	cp.ContextData = make(map[string]interface{}, len(wf.ContextData))
	for k, v := range wf.ContextData {
		cp.ContextData[k] = v
	}
	if wf.EndTime != nil {
		t := *wf.EndTime
		cp.EndTime = &t
	}
	return &cp
}
