// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import "errors"

var (
	// ErrNotFound is returned when a workflow or task does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrTerminalState is returned when a terminal row would be mutated
	ErrTerminalState = errors.New("row is in a terminal state")

	// ErrInvalidTransition is returned for transitions the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicate is returned when an operation key or task order is reused
	ErrDuplicate = errors.New("duplicate entry")

	// ErrStore wraps persistence failures. They are fatal to the
	// orchestrator invocation that observes them.
	ErrStore = errors.New("ledger store error")
)
