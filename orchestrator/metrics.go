// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_orchestrator_workflows_total",
			Help: "Finalized workflows by terminal status",
		},
		[]string{"status"},
	)
	workflowsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podcast_orchestrator_workflows_in_flight",
			Help: "Workflows currently executing",
		},
	)
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_orchestrator_tasks_total",
			Help: "Resolved tasks by agent and terminal status",
		},
		[]string{"agent", "status"},
	)
	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_orchestrator_dispatch_attempts_total",
			Help: "Task attempts by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podcast_orchestrator_attempt_duration_seconds",
			Help:    "Time from dispatch until an attempt ended, by agent and outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"agent", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_orchestrator_http_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(workflowsTotal, workflowsInFlight, tasksTotal, dispatchAttempts, attemptDuration, httpRequests)
}
