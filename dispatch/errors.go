// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTask is returned by Poll when the agent has no such handle
	ErrUnknownTask = errors.New("unknown task handle")

	// ErrInvalidRequest is returned before any network call for bad input
	ErrInvalidRequest = errors.New("invalid dispatch request")
)

// DispatchError means the agent did not accept the task. No side effect
// happened, so a retry with the same key is always safe; Retryable tells
// whether retrying can help.
type DispatchError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch to %s rejected (%d): %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dispatch to %s failed: %s", e.Endpoint, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
