// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator drives podcast workflows. Each workflow follows a
// plan of steps; every step is delegated to an agent through the dispatch
// client, retried under the agent's policy with the same operation key,
// and recorded in the ledger.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// Engine defaults
const (
	DefaultMaxParallel   = 4
	DefaultNotifyTimeout = 5 * time.Second
)

// EngineConfig wires an Engine
type EngineConfig struct {
	Repository ledger.Repository
	Client     dispatch.Client
	Plans      *PlanCatalog
	Policies   *PolicyTable
	Notifier   Notifier
	Logger     *logger.Logger
	// MaxParallel bounds concurrent fan-out branches for steps that do
	// not set max_parallel.
	MaxParallel   int
	NotifyTimeout time.Duration
}

// Engine executes workflows. Background workflows started with Start are
// bound to the engine lifetime and drained by Shutdown.
type Engine struct {
	repo          ledger.Repository
	client        dispatch.Client
	plans         *PlanCatalog
	policies      *PolicyTable
	notifier      Notifier
	log           *logger.Logger
	maxParallel   int
	notifyTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// TriggerRequest starts a workflow
type TriggerRequest struct {
	TriggerKind    string                 `json:"trigger_kind"`
	TriggerDetails map[string]interface{} `json:"trigger_details,omitempty"`
	PlanName       string                 `json:"plan_name,omitempty"`
	// OperationKey is the caller's idempotency key. Submitting the same
	// key twice returns the first workflow.
	OperationKey  string `json:"-"`
	CorrelationID string `json:"-"`
}

// NewEngine validates the configuration and creates an engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("ledger repository is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("dispatch client is required")
	}
	if cfg.Plans == nil || cfg.Policies == nil {
		return nil, fmt.Errorf("plans and agent policies are required")
	}
	if err := cfg.Plans.ValidateAgents(cfg.Policies); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = DefaultNotifyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:          cfg.Repository,
		client:        cfg.Client,
		plans:         cfg.Plans,
		policies:      cfg.Policies,
		notifier:      notifier,
		log:           log,
		maxParallel:   maxParallel,
		notifyTimeout: notifyTimeout,
		baseCtx:       ctx,
		cancel:        cancel,
	}, nil
}

// Run executes a workflow to completion and returns its terminal record.
// Task failures are reflected in the returned status; an error means the
// ledger could not be written and the workflow outcome is unknown.
func (e *Engine) Run(ctx context.Context, req TriggerRequest) (*ledger.WorkflowInstance, error) {
	wf, plan, existing, err := e.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing {
		return wf, nil
	}
	return e.execute(ctx, wf, plan, req)
}

// Start creates the workflow and executes it in the background. The
// returned id can be polled through the ledger.
func (e *Engine) Start(ctx context.Context, req TriggerRequest) (uuid.UUID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return uuid.Nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	wf, plan, existing, err := e.open(ctx, req)
	if err != nil || existing {
		e.wg.Done()
		if err != nil {
			return uuid.Nil, err
		}
		return wf.WorkflowID, nil
	}

	go func() {
		defer e.wg.Done()
		if _, err := e.execute(e.baseCtx, wf, plan, req); err != nil {
			e.log.ErrorWithErr(wf.WorkflowID.String(), req.CorrelationID, "Workflow aborted", err, nil)
		}
	}()
	return wf.WorkflowID, nil
}

// Shutdown stops accepting workflows and waits for running ones. When ctx
// expires first, running workflows are canceled and finalized as failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Get returns a workflow and its tasks in task order
func (e *Engine) Get(ctx context.Context, workflowID uuid.UUID) (*ledger.WorkflowInstance, []ledger.TaskInstance, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := e.repo.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, tasks, nil
}

// List returns workflows matching opts and the total match count
func (e *Engine) List(ctx context.Context, opts ledger.ListOptions) ([]ledger.WorkflowInstance, int, error) {
	return e.repo.ListWorkflows(ctx, opts)
}

// Ping checks the ledger
func (e *Engine) Ping(ctx context.Context) error {
	return e.repo.Ping(ctx)
}

func (e *Engine) resolvePlan(req TriggerRequest) (*WorkflowPlan, error) {
	if req.PlanName != "" {
		if p, ok := e.plans.Get(req.PlanName); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: plan %s", ErrUnknownPlan, req.PlanName)
	}
	if p, ok := e.plans.ForTrigger(req.TriggerKind); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: trigger kind %s", ErrUnknownPlan, req.TriggerKind)
}

// open creates the workflow row, or returns the existing one for a
// repeated caller key.
func (e *Engine) open(ctx context.Context, req TriggerRequest) (*ledger.WorkflowInstance, *WorkflowPlan, bool, error) {
	if req.TriggerKind == "" {
		return nil, nil, false, fmt.Errorf("%w: trigger_kind is required", ErrInvalidTrigger)
	}
	if len(req.OperationKey) > dispatch.MaxOperationKeyLength {
		return nil, nil, false, fmt.Errorf("%w: idempotency key exceeds %d bytes", ErrInvalidTrigger, dispatch.MaxOperationKeyLength)
	}
	plan, err := e.resolvePlan(req)
	if err != nil {
		return nil, nil, false, err
	}

	if req.OperationKey != "" {
		wf, err := e.repo.GetWorkflowByOperationKey(ctx, req.OperationKey)
		if err == nil {
			return wf, plan, true, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, false, storeError(err)
		}
	}

	details := []byte(`{}`)
	if req.TriggerDetails != nil {
		details, err = json.Marshal(req.TriggerDetails)
		if err != nil {
			return nil, nil, false, fmt.Errorf("%w: trigger_details: %v", ErrInvalidTrigger, err)
		}
	}

	wf := &ledger.WorkflowInstance{
		TriggerKind:    req.TriggerKind,
		TriggerDetails: details,
		OperationKey:   req.OperationKey,
		PlanName:       plan.Name(),
	}
	if err := e.repo.CreateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) && req.OperationKey != "" {
			existing, gerr := e.repo.GetWorkflowByOperationKey(ctx, req.OperationKey)
			if gerr == nil {
				return existing, plan, true, nil
			}
		}
		return nil, nil, false, storeError(fmt.Errorf("failed to create workflow: %w", err))
	}

	e.log.Info(wf.WorkflowID.String(), req.CorrelationID, "Workflow created", map[string]interface{}{
		"plan":          plan.Name(),
		"trigger_kind":  req.TriggerKind,
		"operation_key": req.OperationKey,
	})
	return wf, plan, false, nil
}

func (e *Engine) execute(ctx context.Context, wf *ledger.WorkflowInstance, plan *WorkflowPlan, req TriggerRequest) (*ledger.WorkflowInstance, error) {
	workflowsInFlight.Inc()
	defer workflowsInFlight.Dec()

	// Ledger writes must land even after cancellation so that every
	// workflow reaches a terminal state.
	store := context.WithoutCancel(ctx)
	start := time.Now()
	wfID := wf.WorkflowID.String()

	if err := e.repo.UpdateWorkflowStatus(store, wf.WorkflowID, ledger.WorkflowInProgress); err != nil {
		return e.abort(store, wf, req, storeError(err))
	}

	run := &workflowRun{
		engine:  e,
		wf:      wf,
		plan:    plan,
		req:     req,
		trigger: req.TriggerDetails,
		context: map[string]interface{}{},
	}
	if run.trigger == nil {
		run.trigger = map[string]interface{}{}
	}

	fatal := ""
	for _, step := range plan.Spec.Steps {
		if fatal != "" {
			if err := run.skipStep(store, step); err != nil {
				return e.abort(store, wf, req, err)
			}
			continue
		}
		res, err := run.runStep(ctx, store, step)
		if err != nil {
			return e.abort(store, wf, req, err)
		}
		fatal = res.fatal
	}

	status := ledger.WorkflowCompleted
	message := ""
	switch {
	case fatal != "":
		status = ledger.WorkflowFailed
		message = fatal
	case len(run.failures) > 0:
		status = ledger.WorkflowCompletedWithErrors
		message = strings.Join(run.failures, "; ")
	}

	final, err := e.repo.FinalizeWorkflow(store, wf.WorkflowID, status, message)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to finalize workflow %s: %w", wfID, err))
	}
	workflowsTotal.WithLabelValues(string(status)).Inc()

	fields := map[string]interface{}{
		"status": string(status),
		"tasks":  run.nextOrder,
	}
	if message != "" {
		fields["error_message"] = message
	}
	e.log.InfoWithDuration(wfID, req.CorrelationID, "Workflow finalized", time.Since(start), fields)

	e.notify(store, final, plan, req)
	return final, nil
}

// storeFailureMessage is the public error_message of an aborted workflow.
// The underlying driver error is only logged.
const storeFailureMessage = "coordination store error"

// abort records a store failure as a failed workflow on a best-effort basis
func (e *Engine) abort(ctx context.Context, wf *ledger.WorkflowInstance, req TriggerRequest, cause error) (*ledger.WorkflowInstance, error) {
	wfID := wf.WorkflowID.String()
	e.log.ErrorWithErr(wfID, req.CorrelationID, "Coordination store failure, aborting workflow", cause, nil)

	if _, err := e.repo.FinalizeWorkflow(ctx, wf.WorkflowID, ledger.WorkflowFailed, storeFailureMessage); err != nil {
		e.log.ErrorWithErr(wfID, req.CorrelationID, "Failed to mark workflow failed", err, nil)
	} else {
		workflowsTotal.WithLabelValues(string(ledger.WorkflowFailed)).Inc()
	}
	return nil, fmt.Errorf("workflow %s aborted: %w", wfID, cause)
}

func (e *Engine) notify(ctx context.Context, wf *ledger.WorkflowInstance, plan *WorkflowPlan, req TriggerRequest) {
	if wf.Status != ledger.WorkflowCompleted && wf.Status != ledger.WorkflowCompletedWithErrors {
		return
	}
	key := plan.Spec.ArtifactKey
	if key == "" {
		return
	}
	ref, ok := wf.ContextData[key]
	if !ok || ref == nil {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()
	event := ArtifactReady{
		WorkflowID:  wf.WorkflowID.String(),
		Status:      string(wf.Status),
		ArtifactKey: key,
		ArtifactRef: ref,
	}
	if err := e.notifier.NotifyArtifactReady(nctx, event); err != nil {
		e.log.ErrorWithErr(event.WorkflowID, req.CorrelationID, "Artifact notification failed", err, nil)
	}
}

// storeError marks err as a coordination store failure
func storeError(err error) error {
	if err == nil || errors.Is(err, ledger.ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrStore, err)
}
