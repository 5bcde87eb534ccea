// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"

	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
)

// newRetryPolicy builds the per-agent attempt policy. MaxRetries counts
// every attempt including the first.
func newRetryPolicy(p AgentPolicy) retrypolicy.RetryPolicy[any] {
	b := retrypolicy.Builder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isRetryable(err)
		}).
		AbortIf(func(_ any, err error) bool {
			return isAbort(err)
		}).
		WithMaxAttempts(p.MaxRetries).
		WithBackoff(p.Backoff.Initial, p.Backoff.Max)
	if p.Backoff.Jitter > 0 {
		b = b.WithJitter(p.Backoff.Jitter)
	}
	return b.Build()
}

// isAbort reports errors that end the attempt loop immediately
func isAbort(err error) bool {
	return errors.Is(err, ledger.ErrStore) ||
		errors.Is(err, context.Canceled)
}

// isRetryable classifies an attempt failure
func isRetryable(err error) bool {
	if err == nil || isAbort(err) {
		return false
	}
	if errors.Is(err, ErrPollTimeout) || errors.Is(err, dispatch.ErrUnknownTask) {
		return true
	}
	if errors.Is(err, errInvalidInput) {
		return false
	}
	return dispatch.IsRetryable(err)
}

// errorDetails turns an attempt failure into the payload stored on the task
func errorDetails(err error) *ledger.ErrorDetails {
	var te *dispatch.TaskError
	if errors.As(err, &te) {
		return &ledger.ErrorDetails{Code: te.Code, Message: te.Message, Retryable: te.Retryable}
	}
	var de *dispatch.DispatchError
	if errors.As(err, &de) {
		code := "dispatch_rejected"
		if de.Retryable {
			code = "dispatch_unavailable"
		}
		return &ledger.ErrorDetails{Code: code, Message: de.Error(), Retryable: de.Retryable}
	}
	switch {
	case errors.Is(err, ErrPollTimeout):
		return &ledger.ErrorDetails{Code: "poll_timeout", Message: err.Error(), Retryable: true}
	case errors.Is(err, dispatch.ErrUnknownTask):
		return &ledger.ErrorDetails{Code: "unknown_task", Message: err.Error(), Retryable: true}
	case errors.Is(err, errInvalidInput):
		return &ledger.ErrorDetails{Code: "invalid_input", Message: err.Error()}
	default:
		return &ledger.ErrorDetails{Code: "execution_failed", Message: err.Error(), Retryable: isRetryable(err)}
	}
}
