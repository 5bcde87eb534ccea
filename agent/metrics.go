// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_agent_dispatch_total",
			Help: "Dispatch requests by operation kind and decision",
		},
		[]string{"kind", "decision"},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_agent_executions_total",
			Help: "Executor runs by operation kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podcast_agent_execution_duration_seconds",
			Help:    "Executor run time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"kind"},
	)
	executionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podcast_agent_executions_in_flight",
			Help: "Executor runs currently holding a capacity slot",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchDecisions, executionsTotal, executionDuration, executionsInFlight)
}
