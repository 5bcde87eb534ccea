// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
	"github.com/psreek-ai/AIFirstPodcastApp-sub000/ledger"
)

func TestOperationKey(t *testing.T) {
	wfID := uuid.MustParse("6f1c2a8e-3b7d-4c1e-9a55-0d2e4f6a8b10")
	single := PlanStep{Name: "voice", Kind: "synthesize_voice"}
	fan := PlanStep{Name: "scripts", Kind: "weave_script", FanOut: "outline.segments"}
	twinA := PlanStep{Name: "intro", Kind: "weave_script"}
	twinB := PlanStep{Name: "outro", Kind: "weave_script"}
	plan := testPlan("p", single, fan)
	twins := testPlan("t", twinA, twinB)

	tests := []struct {
		name   string
		caller string
		plan   *WorkflowPlan
		step   PlanStep
		index  int
		want   string
	}{
		{name: "sole step keeps caller key", caller: "k1", plan: plan, step: single, want: "k1"},
		{name: "fan-out derives per branch", caller: "k1", plan: plan, step: fan, index: 2, want: "k1:weave_script:scripts:2"},
		{name: "shared kind derives", caller: "k1", plan: twins, step: twinB, want: "k1:weave_script:outro:0"},
		{name: "no caller key uses workflow id", plan: plan, step: single, want: "wf-" + wfID.String() + ":synthesize_voice:voice:0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, operationKey(tt.caller, wfID, tt.plan, tt.step, tt.index))
		})
	}
}

func TestOperationKey_Stable(t *testing.T) {
	wfID := uuid.New()
	plan := testPlan("p", scriptsStep())
	a := operationKey("", wfID, plan, scriptsStep(), 1)
	b := operationKey("", wfID, plan, scriptsStep(), 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, operationKey("", wfID, plan, scriptsStep(), 0))
}

func TestOperationKey_LongDerivedKeyFitsLedger(t *testing.T) {
	wfID := uuid.New()
	plan := testPlan("p", scriptsStep())
	caller := strings.Repeat("k", dispatch.MaxOperationKeyLength)

	a := operationKey(caller, wfID, plan, scriptsStep(), 0)
	assert.LessOrEqual(t, len(a), dispatch.MaxOperationKeyLength)
	assert.True(t, strings.HasPrefix(a, "h-"))
	assert.Equal(t, a, operationKey(caller, wfID, plan, scriptsStep(), 0))
	assert.NotEqual(t, a, operationKey(caller, wfID, plan, scriptsStep(), 1))
	assert.NotEqual(t, a, operationKey(caller+"x", wfID, plan, scriptsStep(), 0))
}

func TestAttemptOutcome(t *testing.T) {
	assert.Equal(t, "succeeded", attemptOutcome(nil))
	assert.Equal(t, "poll_timeout", attemptOutcome(ErrPollTimeout))
	assert.Equal(t, "failed", attemptOutcome(&dispatch.TaskError{Code: "x"}))
	assert.Equal(t, "dispatch_error", attemptOutcome(&dispatch.DispatchError{StatusCode: 503}))
	assert.Equal(t, "error", attemptOutcome(errors.New("boom")))
}

func TestResolveInput(t *testing.T) {
	scope := inputScope{
		trigger: map[string]interface{}{"topic": "tides", "meta": map[string]interface{}{"lang": "en"}},
		context: map[string]interface{}{"outline": map[string]interface{}{"title": "Tides"}},
		item:    map[string]interface{}{"title": "moon"},
		hasItem: true,
	}

	got, err := resolveInput(map[string]interface{}{
		"topic":   "{{trigger.topic}}",
		"lang":    "{{ trigger.meta.lang }}",
		"title":   "{{context.outline.title}}",
		"segment": "{{item}}",
		"name":    "{{item.title}}",
		"literal": "about {{trigger.topic}}",
		"nested":  map[string]interface{}{"list": []interface{}{"{{trigger.topic}}", 3}},
		"count":   7,
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, "tides", got["topic"])
	assert.Equal(t, "en", got["lang"])
	assert.Equal(t, "Tides", got["title"])
	assert.Equal(t, map[string]interface{}{"title": "moon"}, got["segment"])
	assert.Equal(t, "moon", got["name"])
	assert.Equal(t, "about {{trigger.topic}}", got["literal"])
	assert.Equal(t, map[string]interface{}{"list": []interface{}{"tides", 3}}, got["nested"])
	assert.Equal(t, 7, got["count"])
}

func TestResolveInput_Errors(t *testing.T) {
	_, err := resolveInput(map[string]interface{}{"x": "{{context.missing}}"}, inputScope{context: map[string]interface{}{}})
	assert.ErrorContains(t, err, "unresolved reference context.missing")

	_, err = resolveInput(map[string]interface{}{"x": "{{item}}"}, inputScope{})
	assert.ErrorContains(t, err, "outside a fan-out")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "poll timeout", err: ErrPollTimeout, want: true},
		{name: "unknown task", err: dispatch.ErrUnknownTask, want: true},
		{name: "retryable agent failure", err: &dispatch.TaskError{Code: "x", Retryable: true}, want: true},
		{name: "permanent agent failure", err: &dispatch.TaskError{Code: "x"}, want: false},
		{name: "saturated agent", err: &dispatch.DispatchError{StatusCode: 503, Retryable: true}, want: true},
		{name: "validation rejection", err: &dispatch.DispatchError{StatusCode: 422}, want: false},
		{name: "store failure", err: storeError(errors.New("disk full")), want: false},
		{name: "invalid input", err: errInvalidInput, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestErrorDetails(t *testing.T) {
	d := errorDetails(&dispatch.TaskError{Code: "tts_down", Message: "503 from provider", Retryable: true})
	assert.Equal(t, &ledger.ErrorDetails{Code: "tts_down", Message: "503 from provider", Retryable: true}, d)

	d = errorDetails(&dispatch.DispatchError{Endpoint: "http://a/v1/tasks", StatusCode: 503, Message: "busy", Retryable: true})
	assert.Equal(t, "dispatch_unavailable", d.Code)

	d = errorDetails(errors.New("boom"))
	assert.Equal(t, "execution_failed", d.Code)
	assert.Equal(t, "boom", d.Message)
}

func TestStoreError(t *testing.T) {
	err := storeError(errors.New("timeout"))
	assert.ErrorIs(t, err, ledger.ErrStore)
	assert.Same(t, err, storeError(err))
	assert.Nil(t, storeError(nil))
}
