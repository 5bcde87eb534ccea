// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package agent is the runtime shared by podcast agent services. A Server
// accepts tasks over HTTP, claims each operation key through the
// idempotency guard and hands the work to an Executor. Executors produce
// content (usually through Bedrock) and store it in an ArtifactStore.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/idempotency"
)

// Task is one claimed operation handed to an Executor
type Task struct {
	Handle        uuid.UUID
	OperationKey  string
	OperationKind string
	WorkflowID    string
	CorrelationID string
	Payload       json.RawMessage
}

// Executor performs one kind of operation.
//
// Validate runs before the operation key is claimed, so a rejected payload
// never creates an idempotency record. Execute returns the JSON result on
// success. Return an *idempotency.Failure to control the stored error code
// and whether the orchestrator may retry; any other error is stored as a
// retryable execution failure.
type Executor interface {
	Kind() string
	Validate(payload json.RawMessage) error
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// ValidationError rejects a payload before execution
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FuncExecutor adapts plain functions to Executor
type FuncExecutor struct {
	OperationKind string
	Required      []string
	Fn            func(ctx context.Context, task Task) (json.RawMessage, error)
}

var _ Executor = (*FuncExecutor)(nil)

func (f *FuncExecutor) Kind() string { return f.OperationKind }

func (f *FuncExecutor) Validate(payload json.RawMessage) error {
	_, err := decodePayload(payload, f.Required)
	return err
}

func (f *FuncExecutor) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f.Fn(ctx, task)
}

// decodePayload requires a JSON object carrying every field in required
// with a non-empty value.
func decodePayload(payload json.RawMessage, required []string) (map[string]interface{}, error) {
	fields := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, &ValidationError{Message: "payload must be a JSON object"}
		}
	}
	if fields == nil {
		return nil, &ValidationError{Message: "payload must be a JSON object"}
	}
	for _, name := range required {
		v, ok := fields[name]
		if !ok || v == nil {
			return nil, &ValidationError{Field: name, Message: "is required"}
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return nil, &ValidationError{Field: name, Message: "must not be empty"}
		}
	}
	return fields, nil
}

// permanent marks a failure the orchestrator must not retry
func permanent(code, format string, args ...interface{}) error {
	return &idempotency.Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// transient marks a failure worth another attempt
func transient(code, format string, args ...interface{}) error {
	return &idempotency.Failure{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}
