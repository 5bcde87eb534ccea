// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/semaphore"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/idempotency"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

const (
	// DefaultMaxConcurrent bounds executions when the config leaves it unset
	DefaultMaxConcurrent = 8
	// DefaultTaskTimeout bounds a single execution
	DefaultTaskTimeout = 10 * time.Minute

	maxDispatchBytes = 4 << 20
)

// ServerConfig wires a Server
type ServerConfig struct {
	Name           string
	Executor       Executor
	Guard          *idempotency.Guard
	Verifier       *dispatch.TokenVerifier
	Logger         *logger.Logger
	MaxConcurrent  int
	TaskTimeout    time.Duration
	AllowedOrigins []string
}

// Server accepts tasks for one operation kind. Every dispatch goes through
// the idempotency guard, so a key is executed at most once no matter how
// often it is submitted.
type Server struct {
	name           string
	exec           Executor
	guard          *idempotency.Guard
	verifier       *dispatch.TokenVerifier
	log            *logger.Logger
	sem            *semaphore.Weighted
	taskTimeout    time.Duration
	allowedOrigins []string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewServer validates cfg and applies defaults
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("idempotency guard is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Executor.Kind()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	// A running task must never look like an abandoned lock.
	if lock := cfg.Guard.LockTimeout(); lock <= cfg.TaskTimeout {
		return nil, fmt.Errorf("idempotency lock timeout %s must exceed task timeout %s", lock, cfg.TaskTimeout)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:           cfg.Name,
		exec:           cfg.Executor,
		guard:          cfg.Guard,
		verifier:       cfg.Verifier,
		log:            cfg.Logger,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		taskTimeout:    cfg.TaskTimeout,
		allowedOrigins: cfg.AllowedOrigins,
		baseCtx:        ctx,
		cancel:         cancel,
	}, nil
}

// Handler returns the router wrapped in CORS. Task routes require a
// service token when a verifier is configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Handle(dispatch.TasksPath, s.authenticate(http.HandlerFunc(s.dispatchHandler))).Methods("POST")
	r.Handle(dispatch.TasksPath+"/{id}", s.authenticate(http.HandlerFunc(s.pollHandler))).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", dispatch.HeaderIdempotencyKey, dispatch.HeaderCorrelationID},
	})
	return c.Handler(r)
}

// Shutdown stops accepting tasks and waits for running executions. When
// ctx expires first the executions are canceled; their keys are recorded
// as retryable failures.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "service token required")
			return
		}
		if _, err := s.verifier.Verify(token); err != nil {
			s.log.Warn("", r.Header.Get(dispatch.HeaderCorrelationID), "Rejected service token", map[string]interface{}{
				"error": err.Error(),
			})
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit registers a dispatch with the shutdown wait group
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(dispatch.HeaderIdempotencyKey)
	correlationID := r.Header.Get(dispatch.HeaderCorrelationID)
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "missing_idempotency_key", dispatch.HeaderIdempotencyKey+" header is required")
		return
	}
	if len(key) > dispatch.MaxOperationKeyLength {
		s.writeError(w, http.StatusBadRequest, "invalid_idempotency_key",
			fmt.Sprintf("%s must be at most %d bytes", dispatch.HeaderIdempotencyKey, dispatch.MaxOperationKeyLength))
		return
	}

	var body dispatch.DispatchBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDispatchBytes)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	kind := s.exec.Kind()
	if body.OperationKind != kind {
		dispatchDecisions.WithLabelValues(kind, "rejected").Inc()
		s.writeError(w, http.StatusUnprocessableEntity, "unsupported_kind",
			fmt.Sprintf("agent %s does not handle %q", s.name, body.OperationKind))
		return
	}
	if err := s.exec.Validate(body.Payload); err != nil {
		dispatchDecisions.WithLabelValues(kind, "rejected").Inc()
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
		return
	}

	if !s.admit() {
		s.writeError(w, http.StatusServiceUnavailable, "shutting_down", "agent is shutting down")
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.wg.Done()
		}
	}()

	// Duplicates of finished or in-flight operations never need a slot.
	prior, decided, err := s.guard.Peek(r.Context(), key, kind)
	if err != nil {
		s.storeUnavailable(w, body.WorkflowID, correlationID, key, err)
		return
	}
	if decided {
		dispatchDecisions.WithLabelValues(kind, string(prior.Outcome)).Inc()
		s.writeDecision(w, body.WorkflowID, correlationID, key, prior)
		return
	}

	if !s.sem.TryAcquire(1) {
		dispatchDecisions.WithLabelValues(kind, "saturated").Inc()
		s.writeError(w, http.StatusServiceUnavailable, "at_capacity", "agent is at capacity")
		return
	}
	release := true
	defer func() {
		if release {
			s.sem.Release(1)
		}
	}()

	d, err := s.guard.Begin(r.Context(), key, kind, body.WorkflowID)
	if err != nil {
		s.storeUnavailable(w, body.WorkflowID, correlationID, key, err)
		return
	}
	dispatchDecisions.WithLabelValues(kind, string(d.Outcome)).Inc()
	if d.Outcome != idempotency.Proceed {
		s.writeDecision(w, body.WorkflowID, correlationID, key, d)
		return
	}

	handle := d.Record.TaskHandle.String()
	task := Task{
		Handle:        d.Record.TaskHandle,
		OperationKey:  key,
		OperationKind: kind,
		WorkflowID:    body.WorkflowID,
		CorrelationID: correlationID,
		Payload:       body.Payload,
	}
	handedOff, release = true, false
	go s.execute(task)

	s.log.Info(body.WorkflowID, correlationID, "Task accepted", map[string]interface{}{
		"operation_key": key,
		"task_id":       handle,
		"attempt":       d.Record.Attempts,
	})
	s.writeJSON(w, http.StatusAccepted, dispatch.TaskBody{TaskID: handle, State: dispatch.StateRunning})
}

// writeDecision answers a dispatch that must not execute
func (s *Server) writeDecision(w http.ResponseWriter, workflowID, correlationID, key string, d idempotency.Decision) {
	handle := d.Record.TaskHandle.String()
	switch d.Outcome {
	case idempotency.AlreadyCompleted:
		s.writeJSON(w, http.StatusOK, dispatch.TaskBody{TaskID: handle, State: dispatch.StateSucceeded, Result: d.Record.Result})
	case idempotency.AlreadyFailed:
		s.writeJSON(w, http.StatusOK, dispatch.TaskBody{TaskID: handle, State: dispatch.StateFailed, Error: taskError(d.Record.Failure)})
	default:
		s.log.Debug(workflowID, correlationID, "Operation already in progress", map[string]interface{}{
			"operation_key": key,
			"task_id":       handle,
		})
		s.writeJSON(w, http.StatusAccepted, dispatch.TaskBody{TaskID: handle, State: dispatch.StateRunning})
	}
}

func (s *Server) storeUnavailable(w http.ResponseWriter, workflowID, correlationID, key string, err error) {
	s.log.ErrorWithErr(workflowID, correlationID, "Failed to claim operation key", err, map[string]interface{}{
		"operation_key": key,
	})
	s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "coordination store unavailable")
}

func (s *Server) execute(task Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	executionsInFlight.Inc()
	defer executionsInFlight.Dec()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.taskTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.run(ctx, task)
	elapsed := time.Since(start)
	executionDuration.WithLabelValues(task.OperationKind).Observe(elapsed.Seconds())

	// The outcome is recorded even when the execution context is gone.
	store := context.WithoutCancel(ctx)
	fields := map[string]interface{}{
		"operation_key": task.OperationKey,
		"task_id":       task.Handle.String(),
	}

	if err != nil {
		failure := idempotency.FailureFromError(err)
		executionsTotal.WithLabelValues(task.OperationKind, "failed").Inc()
		if _, ferr := s.guard.Fail(store, task.OperationKey, task.OperationKind, failure); ferr != nil {
			s.log.ErrorWithErr(task.WorkflowID, task.CorrelationID, "Failed to record task failure", ferr, fields)
			return
		}
		fields["code"] = failure.Code
		fields["retryable"] = failure.Retryable
		s.log.Warn(task.WorkflowID, task.CorrelationID, "Task failed", fields)
		return
	}

	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	executionsTotal.WithLabelValues(task.OperationKind, "succeeded").Inc()
	if _, cerr := s.guard.Complete(store, task.OperationKey, task.OperationKind, result); cerr != nil {
		s.log.ErrorWithErr(task.WorkflowID, task.CorrelationID, "Failed to record task result", cerr, fields)
		return
	}
	s.log.InfoWithDuration(task.WorkflowID, task.CorrelationID, "Task completed", elapsed, fields)
}

// run calls the executor and turns a panic into a permanent failure
func (s *Server) run(ctx context.Context, task Task) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = permanent("executor_panic", "%v", p)
		}
	}()
	return s.exec.Execute(ctx, task)
}

func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	handle, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown_task", "unknown task")
		return
	}

	rec, err := s.guard.LookupHandle(r.Context(), handle)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "unknown_task", "unknown task")
		return
	case err != nil:
		s.log.ErrorWithErr("", r.Header.Get(dispatch.HeaderCorrelationID), "Failed to look up task", err, map[string]interface{}{
			"task_id": handle.String(),
		})
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "coordination store unavailable")
		return
	}
	if rec.OperationKind != s.exec.Kind() {
		s.writeError(w, http.StatusNotFound, "unknown_task", "unknown task")
		return
	}

	body := dispatch.TaskBody{TaskID: handle.String()}
	switch rec.Status {
	case idempotency.StatusCompleted:
		body.State = dispatch.StateSucceeded
		body.Result = rec.Result
	case idempotency.StatusFailed:
		body.State = dispatch.StateFailed
		body.Error = taskError(rec.Failure)
	default:
		body.State = dispatch.StateRunning
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	storeOK := s.guard.Ping(ctx) == nil
	if !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"service":    s.name,
		"kind":       s.exec.Kind(),
		"timestamp":  time.Now().UTC(),
		"components": map[string]bool{"idempotency_store": storeOK},
	})
}

func taskError(f *idempotency.Failure) *dispatch.TaskError {
	if f == nil {
		return &dispatch.TaskError{Code: "task_failed", Message: "task failed"}
	}
	return &dispatch.TaskError{Code: f.Code, Message: f.Message, Retryable: f.Retryable}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.ErrorWithErr("", "", "Error encoding response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, dispatch.ErrorBody{Error: message, Code: code})
}
