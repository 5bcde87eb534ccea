// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package idempotency

import "errors"

var (
	// ErrNotFound is returned when no record exists for a key or handle
	ErrNotFound = errors.New("idempotency record not found")

	// ErrInvalidInput is returned when the key or kind is empty
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyCompleted is returned by Fail when the record already holds a result
	ErrAlreadyCompleted = errors.New("operation already completed")

	// ErrStore wraps failures of the backing store
	ErrStore = errors.New("idempotency store error")
)
