// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/sync/errgroup"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
)

// workflowRun is the state of one executing workflow. Only the goroutine
// running the workflow touches it, except for branch outcomes which are
// written to distinct slice slots.
type workflowRun struct {
	engine    *Engine
	wf        *ledger.WorkflowInstance
	plan      *WorkflowPlan
	req       TriggerRequest
	trigger   map[string]interface{}
	context   map[string]interface{}
	nextOrder int
	failures  []string
}

// branch is one task of a step
type branch struct {
	task     *ledger.TaskInstance
	payload  json.RawMessage
	inputErr error
}

type taskOutcome struct {
	result   interface{}
	failed   bool
	skipped  bool
	details  *ledger.ErrorDetails
	storeErr error
}

type stepResult struct {
	// fatal is set when a required step failed or the workflow was
	// canceled; it becomes the workflow error message.
	fatal string
}

// attemptState tracks the ledger status of a task across attempts
type attemptState struct {
	task   *ledger.TaskInstance
	status ledger.TaskStatus
}

func (r *workflowRun) wfID() string {
	return r.wf.WorkflowID.String()
}

func (r *workflowRun) next() int {
	r.nextOrder++
	return r.nextOrder
}

// runStep creates the step's tasks, runs them and merges their results.
// The returned error is always a store failure.
func (r *workflowRun) runStep(ctx, store context.Context, step PlanStep) (stepResult, error) {
	policy, _ := r.engine.policies.Get(step.Agent)
	fanOut := step.FanOut != ""

	var items []interface{}
	var itemsErr error
	if fanOut {
		items, itemsErr = r.items(step)
		if itemsErr == nil && len(items) == 0 {
			return stepResult{}, r.merge(store, step, []interface{}{})
		}
	}

	branches, err := r.createTasks(store, step, fanOut, items, itemsErr)
	if err != nil {
		return stepResult{}, err
	}

	outcomes := make([]taskOutcome, len(branches))
	if !fanOut {
		outcomes[0] = r.runTask(ctx, store, policy, branches[0])
	} else {
		limit := step.MaxParallel
		if limit <= 0 {
			limit = r.engine.maxParallel
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, b := range branches {
			g.Go(func() error {
				outcomes[i] = r.runTask(gctx, store, policy, b)
				if outcomes[i].storeErr != nil {
					return outcomes[i].storeErr
				}
				if outcomes[i].failed && policy.Required {
					return errRequiredFailed
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return r.resolveStep(ctx, store, step, policy, fanOut, outcomes)
}

// resolveStep classifies the branch outcomes of a step
func (r *workflowRun) resolveStep(ctx, store context.Context, step PlanStep, policy AgentPolicy, fanOut bool, outcomes []taskOutcome) (stepResult, error) {
	var failed []string
	anySucceeded := false
	canceled := false
	for i, o := range outcomes {
		switch {
		case o.storeErr != nil:
			return stepResult{}, o.storeErr
		case o.failed:
			label := step.Name
			if fanOut {
				label = fmt.Sprintf("%s[%d]", step.Name, i)
			}
			// Agent messages stay in the task record; callers see the code.
			failed = append(failed, fmt.Sprintf("step %s (%s) failed: %s", label, step.Agent, o.details.Code))
		case o.skipped:
			canceled = canceled || ctx.Err() != nil
		default:
			anySucceeded = true
		}
	}

	if len(failed) > 0 && policy.Required {
		return stepResult{fatal: failed[0]}, nil
	}
	if canceled {
		return stepResult{fatal: fmt.Sprintf("workflow canceled during step %s", step.Name)}, nil
	}
	r.failures = append(r.failures, failed...)

	if !anySucceeded {
		return stepResult{}, nil
	}
	if !fanOut {
		return stepResult{}, r.merge(store, step, outcomes[0].result)
	}
	results := make([]interface{}, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.result
	}
	return stepResult{}, r.merge(store, step, results)
}

func (r *workflowRun) merge(store context.Context, step PlanStep, value interface{}) error {
	if step.OutputKey == "" {
		return nil
	}
	if err := r.engine.repo.MergeContext(store, r.wf.WorkflowID, map[string]interface{}{step.OutputKey: value}); err != nil {
		return storeError(fmt.Errorf("failed to merge %s into context: %w", step.OutputKey, err))
	}
	r.context[step.OutputKey] = value
	return nil
}

// items resolves the fan-out list from the workflow context
func (r *workflowRun) items(step PlanStep) ([]interface{}, error) {
	v, ok := lookupPath(r.context, strings.Split(step.FanOut, "."))
	if !ok {
		return nil, fmt.Errorf("%w: fan_out %s not found in context", errInvalidInput, step.FanOut)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: fan_out %s is not a list", errInvalidInput, step.FanOut)
	}
	return list, nil
}

// createTasks persists one pending task per branch, in branch order, before
// any of them is dispatched.
func (r *workflowRun) createTasks(store context.Context, step PlanStep, fanOut bool, items []interface{}, itemsErr error) ([]*branch, error) {
	n := 1
	if fanOut && itemsErr == nil {
		n = len(items)
	}

	branches := make([]*branch, n)
	for i := 0; i < n; i++ {
		b := &branch{inputErr: itemsErr}
		if b.inputErr == nil {
			scope := inputScope{trigger: r.trigger, context: r.context}
			if fanOut {
				scope.item = items[i]
				scope.hasItem = true
			}
			input, err := resolveInput(step.Input, scope)
			if err == nil {
				b.payload, err = json.Marshal(input)
			}
			if err != nil {
				b.inputErr = fmt.Errorf("%w: %v", errInvalidInput, err)
			}
		}

		b.task = &ledger.TaskInstance{
			WorkflowID:    r.wf.WorkflowID,
			TaskOrder:     r.next(),
			StepName:      step.Name,
			AgentName:     step.Agent,
			OperationKey:  operationKey(r.req.OperationKey, r.wf.WorkflowID, r.plan, step, i),
			OperationKind: step.Kind,
			InputParams:   b.payload,
		}
		if err := r.engine.repo.CreateTask(store, b.task); err != nil {
			return nil, storeError(fmt.Errorf("failed to create task %d: %w", b.task.TaskOrder, err))
		}
		branches[i] = b
	}
	return branches, nil
}

// skipStep records a step that was never dispatched because the workflow
// already failed.
func (r *workflowRun) skipStep(store context.Context, step PlanStep) error {
	task := &ledger.TaskInstance{
		WorkflowID:    r.wf.WorkflowID,
		TaskOrder:     r.next(),
		StepName:      step.Name,
		AgentName:     step.Agent,
		OperationKey:  operationKey(r.req.OperationKey, r.wf.WorkflowID, r.plan, step, 0),
		OperationKind: step.Kind,
		Status:        ledger.TaskSkipped,
	}
	if err := r.engine.repo.CreateTask(store, task); err != nil {
		return storeError(fmt.Errorf("failed to record skipped step %s: %w", step.Name, err))
	}
	tasksTotal.WithLabelValues(step.Agent, string(ledger.TaskSkipped)).Inc()
	return nil
}

// runTask drives one task through dispatch, polling and retries. Every
// attempt reuses the task's operation key.
func (r *workflowRun) runTask(ctx, store context.Context, policy AgentPolicy, b *branch) taskOutcome {
	task := b.task
	if b.inputErr != nil {
		return r.failTask(store, policy, task, b.inputErr, 0)
	}
	if ctx.Err() != nil {
		return r.skipTask(store, task, "canceled before dispatch")
	}

	ep := dispatch.Endpoint{Agent: policy.Name, URL: policy.Endpoint}
	req := dispatch.Request{
		OperationKey:  task.OperationKey,
		OperationKind: task.OperationKind,
		WorkflowID:    r.wfID(),
		CorrelationID: r.req.CorrelationID,
		Payload:       b.payload,
	}
	att := &attemptState{task: task, status: ledger.TaskPending}

	var (
		result    json.RawMessage
		lastErr   error
		failures  int
		succeeded bool
	)
	rp := newRetryPolicy(policy)
	runErr := failsafe.NewExecutor[any](rp).WithContext(ctx).Run(func() error {
		res, err := r.attempt(ctx, store, policy, ep, req, att)
		if err == nil {
			result, succeeded = res, true
			dispatchAttempts.WithLabelValues(policy.Name, "succeeded").Inc()
			return nil
		}
		lastErr = err
		if errors.Is(err, ledger.ErrStore) || ctx.Err() != nil {
			return err
		}

		failures++
		dispatchAttempts.WithLabelValues(policy.Name, "failed").Inc()
		if _, uerr := r.engine.repo.UpdateTask(store, task.TaskID, ledger.TaskUpdate{
			Status:     att.status,
			RetryCount: &failures,
		}); uerr != nil {
			lastErr = storeError(uerr)
			return lastErr
		}
		r.engine.log.Warn(r.wfID(), r.req.CorrelationID, "Task attempt failed", map[string]interface{}{
			"task_order":    task.TaskOrder,
			"agent":         policy.Name,
			"operation_key": task.OperationKey,
			"attempt":       failures,
			"max_attempts":  policy.MaxRetries,
			"retryable":     isRetryable(err),
			"error":         err.Error(),
		})
		return err
	})

	switch {
	case lastErr != nil && errors.Is(lastErr, ledger.ErrStore):
		return taskOutcome{storeErr: lastErr}
	case succeeded:
		return r.completeTask(store, policy, task, result, failures)
	case ctx.Err() != nil:
		return r.skipTask(store, task, "canceled: "+ctx.Err().Error())
	default:
		if lastErr == nil {
			lastErr = runErr
		}
		return r.failTask(store, policy, task, lastErr, failures)
	}
}

// attempt performs one dispatch and polls the handle to a terminal state
func (r *workflowRun) attempt(ctx, store context.Context, policy AgentPolicy, ep dispatch.Endpoint, req dispatch.Request, att *attemptState) (_ json.RawMessage, err error) {
	started := time.Now()
	defer func() {
		attemptDuration.WithLabelValues(policy.Name, attemptOutcome(err)).Observe(time.Since(started).Seconds())
	}()

	h, err := r.engine.client.Dispatch(ctx, ep, req)
	if err != nil {
		return nil, err
	}

	ext := h.ExternalTaskID
	if err := r.setStatus(store, att, ledger.TaskDispatched, &ext); err != nil {
		return nil, err
	}

	res := h.PollResult
	if !res.State.IsTerminal() {
		if err := r.setStatus(store, att, ledger.TaskPolling, nil); err != nil {
			return nil, err
		}
		res, err = r.poll(ctx, policy, ep, ext)
		if err != nil {
			return nil, err
		}
	}
	if res.State == dispatch.StateSucceeded {
		return res.Result, nil
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return nil, &dispatch.TaskError{Code: "task_failed", Message: "agent reported failure without details", Retryable: true}
}

// attemptOutcome labels an attempt for the duration histogram
func attemptOutcome(err error) string {
	var te *dispatch.TaskError
	var de *dispatch.DispatchError
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrPollTimeout):
		return "poll_timeout"
	case errors.As(err, &te):
		return "failed"
	case errors.As(err, &de):
		return "dispatch_error"
	default:
		return "error"
	}
}

// poll waits for a terminal state or the agent's poll timeout. Transient
// poll errors are logged and polling continues.
func (r *workflowRun) poll(ctx context.Context, policy AgentPolicy, ep dispatch.Endpoint, externalTaskID string) (dispatch.PollResult, error) {
	pctx, cancel := context.WithTimeout(ctx, policy.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			if err := ctx.Err(); err != nil {
				return dispatch.PollResult{}, err
			}
			return dispatch.PollResult{}, fmt.Errorf("%w: task %s not terminal after %s", ErrPollTimeout, externalTaskID, policy.PollTimeout)
		case <-ticker.C:
		}

		res, err := r.engine.client.Poll(pctx, ep, externalTaskID)
		switch {
		case errors.Is(err, dispatch.ErrUnknownTask):
			return dispatch.PollResult{}, err
		case err != nil:
			if pctx.Err() == nil {
				r.engine.log.Debug(r.wfID(), r.req.CorrelationID, "Poll failed, will retry", map[string]interface{}{
					"agent":   policy.Name,
					"task_id": externalTaskID,
					"error":   err.Error(),
				})
			}
		case res.State.IsTerminal():
			return res, nil
		}
	}
}

func (r *workflowRun) setStatus(store context.Context, att *attemptState, status ledger.TaskStatus, externalTaskID *string) error {
	if _, err := r.engine.repo.UpdateTask(store, att.task.TaskID, ledger.TaskUpdate{
		Status:         status,
		ExternalTaskID: externalTaskID,
	}); err != nil {
		return storeError(fmt.Errorf("failed to mark task %d %s: %w", att.task.TaskOrder, status, err))
	}
	att.status = status
	return nil
}

func (r *workflowRun) completeTask(store context.Context, policy AgentPolicy, task *ledger.TaskInstance, result json.RawMessage, failures int) taskOutcome {
	var decoded interface{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			return r.failTask(store, policy, task, fmt.Errorf("agent returned invalid result: %w", err), failures)
		}
	}

	if _, err := r.engine.repo.UpdateTask(store, task.TaskID, ledger.TaskUpdate{
		Status:        ledger.TaskCompleted,
		OutputSummary: result,
		RetryCount:    &failures,
	}); err != nil {
		return taskOutcome{storeErr: storeError(err)}
	}
	tasksTotal.WithLabelValues(policy.Name, string(ledger.TaskCompleted)).Inc()
	r.engine.log.Info(r.wfID(), r.req.CorrelationID, "Task completed", map[string]interface{}{
		"task_order":  task.TaskOrder,
		"agent":       policy.Name,
		"retry_count": failures,
	})
	return taskOutcome{result: decoded}
}

func (r *workflowRun) failTask(store context.Context, policy AgentPolicy, task *ledger.TaskInstance, cause error, failures int) taskOutcome {
	details := errorDetails(cause)
	if _, err := r.engine.repo.UpdateTask(store, task.TaskID, ledger.TaskUpdate{
		Status:       ledger.TaskFailed,
		ErrorDetails: details,
		RetryCount:   &failures,
	}); err != nil {
		return taskOutcome{storeErr: storeError(err)}
	}
	tasksTotal.WithLabelValues(policy.Name, string(ledger.TaskFailed)).Inc()
	r.engine.log.Error(r.wfID(), r.req.CorrelationID, "Task failed", map[string]interface{}{
		"task_order":  task.TaskOrder,
		"agent":       policy.Name,
		"required":    policy.Required,
		"retry_count": failures,
		"code":        details.Code,
		"error":       details.Message,
	})
	return taskOutcome{failed: true, details: details}
}

func (r *workflowRun) skipTask(store context.Context, task *ledger.TaskInstance, reason string) taskOutcome {
	if _, err := r.engine.repo.UpdateTask(store, task.TaskID, ledger.TaskUpdate{
		Status:       ledger.TaskSkipped,
		ErrorDetails: &ledger.ErrorDetails{Code: "skipped", Message: reason},
	}); err != nil {
		return taskOutcome{storeErr: storeError(err)}
	}
	tasksTotal.WithLabelValues(task.AgentName, string(ledger.TaskSkipped)).Inc()
	return taskOutcome{skipped: true}
}
