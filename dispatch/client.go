// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/shared/logger"
)

// Client submits operations to agents and polls their handles
type Client interface {
	Dispatch(ctx context.Context, ep Endpoint, req Request) (Handle, error)
	Poll(ctx context.Context, ep Endpoint, externalTaskID string) (PollResult, error)
}

// maxBodyBytes caps how much of an agent response is read
const maxBodyBytes = 4 << 20

// HTTPClient implements Client over the agent HTTP protocol
type HTTPClient struct {
	httpClient *http.Client
	signer     *TokenSigner
	log        *logger.Logger
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// ClientOption configures an HTTPClient
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithTokenSigner attaches a bearer token to every request
func WithTokenSigner(s *TokenSigner) ClientOption {
	return func(h *HTTPClient) { h.signer = s }
}

// WithLogger sets the client logger
func WithLogger(l *logger.Logger) ClientOption {
	return func(h *HTTPClient) { h.log = l }
}

// NewHTTPClient creates a client with a 30s request timeout by default
func NewHTTPClient(opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch submits req. Any error before the agent accepted the task is a
// *DispatchError.
func (c *HTTPClient) Dispatch(ctx context.Context, ep Endpoint, req Request) (Handle, error) {
	if req.OperationKey == "" || req.OperationKind == "" || ep.URL == "" {
		return Handle{}, ErrInvalidRequest
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(DispatchBody{
		OperationKind: req.OperationKind,
		WorkflowID:    req.WorkflowID,
		Payload:       payload,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	target := strings.TrimRight(ep.URL, "/") + TasksPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Handle{}, &DispatchError{Endpoint: target, Message: "failed to create HTTP request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.OperationKey)
	if req.CorrelationID != "" {
		httpReq.Header.Set(HeaderCorrelationID, req.CorrelationID)
	}
	if err := c.authorize(httpReq, ep.Agent); err != nil {
		return Handle{}, &DispatchError{Endpoint: target, Message: "failed to sign request", Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Handle{}, &DispatchError{Endpoint: target, Message: err.Error(), Retryable: ctx.Err() == nil, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Handle{}, &DispatchError{Endpoint: target, StatusCode: resp.StatusCode, Message: "failed to read response", Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var tb TaskBody
		if err := json.Unmarshal(respBody, &tb); err != nil || tb.TaskID == "" || !tb.State.Valid() {
			return Handle{}, &DispatchError{Endpoint: target, StatusCode: resp.StatusCode, Message: "malformed task response", Retryable: true, Err: err}
		}
		c.log.InfoWithDuration(req.WorkflowID, req.CorrelationID, "Task dispatched", time.Since(start), map[string]interface{}{
			"agent":   ep.Agent,
			"kind":    req.OperationKind,
			"task_id": tb.TaskID,
			"state":   string(tb.State),
		})
		return Handle{
			ExternalTaskID: tb.TaskID,
			PollResult:     PollResult{State: tb.State, Result: tb.Result, Error: tb.Error},
		}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Handle{}, &DispatchError{Endpoint: target, StatusCode: resp.StatusCode, Message: errorMessage(respBody, resp.StatusCode)}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Handle{}, &DispatchError{Endpoint: target, StatusCode: resp.StatusCode, Message: errorMessage(respBody, resp.StatusCode), Retryable: true}

	default:
		return Handle{}, &DispatchError{Endpoint: target, StatusCode: resp.StatusCode, Message: errorMessage(respBody, resp.StatusCode)}
	}
}

// Poll reads the current state of a task
func (c *HTTPClient) Poll(ctx context.Context, ep Endpoint, externalTaskID string) (PollResult, error) {
	if externalTaskID == "" || ep.URL == "" {
		return PollResult{}, ErrInvalidRequest
	}

	target := strings.TrimRight(ep.URL, "/") + TasksPath + "/" + url.PathEscape(externalTaskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(httpReq, ep.Agent); err != nil {
		return PollResult{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll %s failed: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to read poll response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, externalTaskID)
	default:
		return PollResult{}, fmt.Errorf("poll %s returned %d: %s", target, resp.StatusCode, errorMessage(respBody, resp.StatusCode))
	}

	var tb TaskBody
	if err := json.Unmarshal(respBody, &tb); err != nil {
		return PollResult{}, fmt.Errorf("failed to parse poll response: %w", err)
	}
	if !tb.State.Valid() {
		return PollResult{}, fmt.Errorf("poll %s returned unknown state %q", target, tb.State)
	}
	return PollResult{State: tb.State, Result: tb.Result, Error: tb.Error}, nil
}

func (c *HTTPClient) authorize(r *http.Request, audience string) error {
	if c.signer == nil {
		return nil
	}
	token, err := c.signer.Sign(audience)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func errorMessage(body []byte, status int) string {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return http.StatusText(status)
}

// IsRetryable reports whether err is worth retrying with the same key
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return !errors.Is(err, ErrInvalidRequest)
}
