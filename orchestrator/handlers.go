// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// maxTriggerBytes caps the size of a workflow submission
const maxTriggerBytes = 1 << 20

// API serves the workflow HTTP endpoints
type API struct {
	engine         *Engine
	log            *logger.Logger
	allowedOrigins []string
}

// NewAPI creates the HTTP surface for engine
func NewAPI(engine *Engine, log *logger.Logger, allowedOrigins []string) *API {
	if log == nil {
		log = logger.Nop()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &API{engine: engine, log: log, allowedOrigins: allowedOrigins}
}

// Handler returns the router wrapped in CORS
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/workflows", a.createWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/v1/workflows", a.listWorkflowsHandler).Methods("GET")
	r.HandleFunc("/api/v1/workflows/{id}", a.getWorkflowHandler).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: a.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", dispatch.HeaderIdempotencyKey, dispatch.HeaderCorrelationID},
	})
	return c.Handler(r)
}

// WorkflowView is the public shape of a workflow. Raw task payloads stay
// internal.
type WorkflowView struct {
	WorkflowID   uuid.UUID              `json:"workflow_id"`
	TriggerKind  string                 `json:"trigger_kind"`
	PlanName     string                 `json:"plan_name"`
	Status       ledger.WorkflowStatus  `json:"overall_status"`
	ContextData  map[string]interface{} `json:"context_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	Tasks        []TaskView             `json:"tasks,omitempty"`
}

// TaskView summarizes one task
type TaskView struct {
	TaskOrder  int               `json:"task_order"`
	StepName   string            `json:"step_name"`
	AgentName  string            `json:"agent_name"`
	Status     ledger.TaskStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	ErrorCode  string            `json:"error_code,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
}

// NewWorkflowView converts a ledger record to its public shape
func NewWorkflowView(wf *ledger.WorkflowInstance, tasks []ledger.TaskInstance) WorkflowView {
	v := WorkflowView{
		WorkflowID:   wf.WorkflowID,
		TriggerKind:  wf.TriggerKind,
		PlanName:     wf.PlanName,
		Status:       wf.Status,
		ContextData:  wf.ContextData,
		ErrorMessage: wf.ErrorMessage,
		StartTime:    wf.StartTime,
		EndTime:      wf.EndTime,
	}
	for _, t := range tasks {
		tv := TaskView{
			TaskOrder:  t.TaskOrder,
			StepName:   t.StepName,
			AgentName:  t.AgentName,
			Status:     t.Status,
			RetryCount: t.RetryCount,
			StartTime:  t.StartTime,
			EndTime:    t.EndTime,
		}
		if t.ErrorDetails != nil {
			tv.ErrorCode = t.ErrorDetails.Code
		}
		v.Tasks = append(v.Tasks, tv)
	}
	return v
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	ledgerOK := a.engine.Ping(ctx) == nil
	if !ledgerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	a.writeJSON(w, "/health", code, map[string]interface{}{
		"status":     status,
		"service":    "podcast-orchestrator",
		"timestamp":  time.Now().UTC(),
		"components": map[string]bool{"ledger": ledgerOK},
	})
}

func (a *API) createWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/workflows"
	var req TriggerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBytes))
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, route, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OperationKey = r.Header.Get(dispatch.HeaderIdempotencyKey)
	req.CorrelationID = r.Header.Get(dispatch.HeaderCorrelationID)
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	id, err := a.engine.Start(r.Context(), req)
	switch {
	case err == nil:
		a.writeJSON(w, route, http.StatusAccepted, map[string]string{
			"workflow_id":    id.String(),
			"correlation_id": req.CorrelationID,
		})
	case errors.Is(err, ErrInvalidTrigger), errors.Is(err, ErrUnknownPlan):
		a.writeError(w, route, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrShuttingDown):
		a.writeError(w, route, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.ErrorWithErr("", req.CorrelationID, "Failed to start workflow", err, nil)
		a.writeError(w, route, http.StatusInternalServerError, "failed to start workflow")
	}
}

func (a *API) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/workflows/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, route, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, tasks, err := a.engine.Get(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		a.writeError(w, route, http.StatusNotFound, "workflow not found")
	case err != nil:
		a.log.ErrorWithErr(id.String(), "", "Failed to load workflow", err, nil)
		a.writeError(w, route, http.StatusInternalServerError, "failed to load workflow")
	default:
		a.writeJSON(w, route, http.StatusOK, NewWorkflowView(wf, tasks))
	}
}

func (a *API) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/workflows"
	q := r.URL.Query()
	opts := ledger.ListOptions{Status: ledger.WorkflowStatus(q.Get("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		a.writeError(w, route, http.StatusBadRequest, "invalid status filter")
		return
	}
	var err error
	if s := q.Get("limit"); s != "" {
		if opts.Limit, err = strconv.Atoi(s); err != nil {
			a.writeError(w, route, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if s := q.Get("offset"); s != "" {
		if opts.Offset, err = strconv.Atoi(s); err != nil {
			a.writeError(w, route, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	workflows, total, err := a.engine.List(r.Context(), opts)
	if err != nil {
		a.log.ErrorWithErr("", "", "Failed to list workflows", err, nil)
		a.writeError(w, route, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	views := make([]WorkflowView, 0, len(workflows))
	for i := range workflows {
		v := NewWorkflowView(&workflows[i], nil)
		v.ContextData = nil
		views = append(views, v)
	}
	a.writeJSON(w, route, http.StatusOK, map[string]interface{}{
		"workflows": views,
		"total":     total,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.ErrorWithErr("", "", "Error encoding response", err, nil)
	}
}

func (a *API) writeError(w http.ResponseWriter, route string, status int, message string) {
	a.writeJSON(w, route, status, map[string]string{"error": message})
}
