// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
)

// agentFunc decides the final state of one dispatch attempt
type agentFunc func(req dispatch.Request, attempt int) (dispatch.PollResult, error)

// fakeClient is a scripted dispatch.Client. Every accepted dispatch
// answers "running" and the scripted result is returned by Poll.
type fakeClient struct {
	mu       sync.Mutex
	agents   map[string]agentFunc
	attempts map[string]int
	requests []dispatch.Request
	handles  map[string]dispatch.PollResult
	seq      int
}

func newFakeClient(agents map[string]agentFunc) *fakeClient {
	return &fakeClient{
		agents:   agents,
		attempts: make(map[string]int),
		handles:  make(map[string]dispatch.PollResult),
	}
}

func (c *fakeClient) Dispatch(ctx context.Context, ep dispatch.Endpoint, req dispatch.Request) (dispatch.Handle, error) {
	c.mu.Lock()
	fn, ok := c.agents[ep.Agent]
	k := req.OperationKind + "/" + req.OperationKey
	c.attempts[k]++
	attempt := c.attempts[k]
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if !ok {
		return dispatch.Handle{}, &dispatch.DispatchError{Endpoint: ep.URL, StatusCode: 404, Message: "no such agent"}
	}
	res, err := fn(req, attempt)
	if err != nil {
		return dispatch.Handle{}, err
	}

	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("h-%d", c.seq)
	c.handles[id] = res
	c.mu.Unlock()
	return dispatch.Handle{ExternalTaskID: id, PollResult: dispatch.PollResult{State: dispatch.StateRunning}}, nil
}

func (c *fakeClient) Poll(ctx context.Context, ep dispatch.Endpoint, externalTaskID string) (dispatch.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.handles[externalTaskID]
	if !ok {
		return dispatch.PollResult{}, dispatch.ErrUnknownTask
	}
	return res, nil
}

// requestsFor returns the dispatches of one operation kind in call order
func (c *fakeClient) requestsFor(kind string) []dispatch.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []dispatch.Request
	for _, r := range c.requests {
		if r.OperationKind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeClient) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func succeeded(result string) dispatch.PollResult {
	return dispatch.PollResult{State: dispatch.StateSucceeded, Result: json.RawMessage(result)}
}

func succeedWith(result string) agentFunc {
	return func(dispatch.Request, int) (dispatch.PollResult, error) {
		return succeeded(result), nil
	}
}

func failWith(code string, retryable bool) agentFunc {
	return func(dispatch.Request, int) (dispatch.PollResult, error) {
		return dispatch.PollResult{
			State: dispatch.StateFailed,
			Error: &dispatch.TaskError{Code: code, Message: code + " reported by agent", Retryable: retryable},
		}, nil
	}
}

// failTimes fails the first n attempts with a retryable error
func failTimes(n int, then agentFunc) agentFunc {
	return func(req dispatch.Request, attempt int) (dispatch.PollResult, error) {
		if attempt <= n {
			return failWith("upstream_unavailable", true)(req, attempt)
		}
		return then(req, attempt)
	}
}

// hang never reaches a terminal state
func hang() agentFunc {
	return func(dispatch.Request, int) (dispatch.PollResult, error) {
		return dispatch.PollResult{State: dispatch.StateRunning}, nil
	}
}

func payloadOf(req dispatch.Request) map[string]interface{} {
	m := map[string]interface{}{}
	_ = json.Unmarshal(req.Payload, &m)
	return m
}

// curator echoes the trigger topic and produces three segments
func curator() agentFunc {
	return func(req dispatch.Request, _ int) (dispatch.PollResult, error) {
		topic, _ := payloadOf(req)["topic"].(string)
		return succeeded(fmt.Sprintf(`{"title":%q,"segments":[{"title":"moon"},{"title":"sun"},{"title":"wind"}]}`, topic)), nil
	}
}

// weaver produces one script reference per segment title
func weaver() agentFunc {
	return func(req dispatch.Request, _ int) (dispatch.PollResult, error) {
		title, _ := payloadOf(req)["title"].(string)
		return succeeded(fmt.Sprintf(`{"script_ref":"script://%s"}`, title)), nil
	}
}

// synth produces an episode reference named after the topic
func synth() agentFunc {
	return func(req dispatch.Request, _ int) (dispatch.PollResult, error) {
		topic, _ := payloadOf(req)["topic"].(string)
		return succeeded(fmt.Sprintf(`{"audio_ref":"s3://episodes/%s.mp3"}`, topic)), nil
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ArtifactReady
	err    error
}

func (n *recordingNotifier) NotifyArtifactReady(ctx context.Context, event ArtifactReady) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) all() []ArtifactReady {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ArtifactReady(nil), n.events...)
}
