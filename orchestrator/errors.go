// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import "errors"

var (
	// ErrUnknownPlan is returned when no plan matches a trigger
	ErrUnknownPlan = errors.New("no workflow plan for trigger")

	// ErrInvalidTrigger is returned for a trigger missing required fields
	ErrInvalidTrigger = errors.New("invalid trigger request")

	// ErrPollTimeout is recorded when a task is not terminal within the
	// agent's poll_timeout. It is retryable.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrShuttingDown is returned by Start after Shutdown was called
	ErrShuttingDown = errors.New("engine is shutting down")

	// errInvalidInput marks a step input that could not be resolved
	errInvalidInput = errors.New("invalid step input")

	// errRequiredFailed cancels fan-out siblings after a required branch fails
	errRequiredFailed = errors.New("required task failed")
)
