// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validPolicyConfig = `
apiVersion: podcast.aifirst.io/v1
kind: AgentPolicy
metadata:
  name: test-agents
spec:
  agents:
    - name: script-weaver
      endpoint: http://script-weaver:8080
      required: true
      max_retries: 5
      backoff:
        initial: 2s
        max: 30s
        jitter: 500ms
      poll_interval: 1s
      poll_timeout: 2m
    - name: cover-artist
      endpoint: http://cover-artist:8080
`

const validPlanConfig = `
apiVersion: podcast.aifirst.io/v1
kind: WorkflowPlan
metadata:
  name: episode
spec:
  trigger_kind: generate_podcast
  artifact_key: episode
  steps:
    - name: scripts
      agent: script-weaver
      kind: weave_script
      fan_out: outline.segments
      max_parallel: 2
      input:
        segment: "{{item}}"
        style:
          tone: warm
      output_key: scripts
---
apiVersion: podcast.aifirst.io/v1
kind: WorkflowPlan
metadata:
  name: cover-only
spec:
  trigger_kind: generate_cover
  steps:
    - name: cover
      agent: cover-artist
      kind: render_cover
`

func TestParsePolicyTable_ValidConfig(t *testing.T) {
	table, err := ParsePolicyTable([]byte(validPolicyConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	weaver, ok := table.Get("script-weaver")
	if !ok {
		t.Fatal("expected script-weaver policy")
	}
	if !weaver.Required {
		t.Error("expected script-weaver to be required")
	}
	if weaver.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", weaver.MaxRetries)
	}
	if weaver.Backoff.Initial != 2*time.Second || weaver.Backoff.Max != 30*time.Second || weaver.Backoff.Jitter != 500*time.Millisecond {
		t.Errorf("unexpected backoff: %+v", weaver.Backoff)
	}
	if weaver.PollTimeout != 2*time.Minute {
		t.Errorf("expected poll_timeout 2m, got %s", weaver.PollTimeout)
	}

	// Defaults fill unset fields
	cover, _ := table.Get("cover-artist")
	if cover.Required {
		t.Error("agents are optional unless marked required")
	}
	if cover.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default max_retries, got %d", cover.MaxRetries)
	}
	if cover.PollInterval != DefaultPollInterval || cover.PollTimeout != DefaultPollTimeout {
		t.Errorf("expected poll defaults, got %s/%s", cover.PollInterval, cover.PollTimeout)
	}
	if len(table.Names()) != 2 {
		t.Errorf("expected 2 agents, got %d", len(table.Names()))
	}
}

func TestParsePolicyTable_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "wrong api version",
			config:  "apiVersion: other.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n",
			wantErr: "invalid apiVersion",
		},
		{
			name:    "wrong kind",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n",
			wantErr: "invalid kind",
		},
		{
			name:    "no agents",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents: []\n",
			wantErr: "at least one agent",
		},
		{
			name:    "missing endpoint",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n",
			wantErr: "endpoint is required",
		},
		{
			name:    "jitter above initial",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n      backoff:\n        initial: 1s\n        max: 5s\n        jitter: 2s\n",
			wantErr: "jitter",
		},
		{
			name:    "max below initial",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n      backoff:\n        initial: 10s\n        max: 5s\n",
			wantErr: "backoff.max",
		},
		{
			name:    "negative attempts",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n      max_retries: -1\n",
			wantErr: "max_retries",
		},
		{
			name:    "duplicate agent",
			config:  "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nspec:\n  agents:\n    - name: a\n      endpoint: http://a\n    - name: a\n      endpoint: http://b\n",
			wantErr: "duplicate agent",
		},
		{
			name:    "malformed yaml",
			config:  "apiVersion: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicyTable([]byte(tt.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParsePlans_MultiDocument(t *testing.T) {
	catalog, err := ParsePlans([]byte(validPlanConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan, ok := catalog.Get("episode")
	if !ok {
		t.Fatal("expected episode plan")
	}
	if plan.Spec.ArtifactKey != "episode" {
		t.Errorf("expected artifact_key episode, got %s", plan.Spec.ArtifactKey)
	}
	step := plan.Spec.Steps[0]
	if step.FanOut != "outline.segments" || step.MaxParallel != 2 {
		t.Errorf("unexpected fan-out settings: %+v", step)
	}
	style, ok := step.Input["style"].(map[string]interface{})
	if !ok || style["tone"] != "warm" {
		t.Errorf("expected nested input map, got %#v", step.Input["style"])
	}

	byTrigger, ok := catalog.ForTrigger("generate_cover")
	if !ok || byTrigger.Name() != "cover-only" {
		t.Errorf("expected cover-only plan for generate_cover")
	}
	if _, ok := catalog.ForTrigger("unknown"); ok {
		t.Error("expected no plan for unknown trigger")
	}
}

func TestParsePlans_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{name: "empty", config: "", wantErr: "at least one plan"},
		{name: "wrong kind", config: "apiVersion: podcast.aifirst.io/v1\nkind: AgentPolicy\nmetadata:\n  name: p\n", wantErr: "invalid kind"},
		{name: "no name", config: "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nspec:\n  steps:\n    - name: s\n      agent: a\n      kind: k\n", wantErr: "metadata.name"},
		{name: "no steps", config: "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nmetadata:\n  name: p\n", wantErr: "at least one step"},
		{name: "step without agent", config: "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nmetadata:\n  name: p\nspec:\n  steps:\n    - name: s\n      kind: k\n", wantErr: "name, agent and kind"},
		{name: "duplicate step", config: "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nmetadata:\n  name: p\nspec:\n  steps:\n    - name: s\n      agent: a\n      kind: k\n    - name: s\n      agent: a\n      kind: k\n", wantErr: "duplicate step"},
		{name: "duplicate plan", config: validPlanConfig + "\n---\n" + "apiVersion: podcast.aifirst.io/v1\nkind: WorkflowPlan\nmetadata:\n  name: episode\nspec:\n  steps:\n    - name: s\n      agent: a\n      kind: k\n", wantErr: "duplicate plan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlans([]byte(tt.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPlanCatalog_ValidateAgents(t *testing.T) {
	catalog, err := ParsePlans([]byte(validPlanConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	table, err := NewPolicyTable(AgentPolicy{Name: "script-weaver", Endpoint: "http://script-weaver"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = catalog.ValidateAgents(table)
	if err == nil || !strings.Contains(err.Error(), "unknown agent cover-artist") {
		t.Errorf("expected unknown agent error, got %v", err)
	}
}

func TestLoadSampleConfigs(t *testing.T) {
	table, err := LoadPolicyTable(filepath.Join("..", "config", "agents.yaml"))
	if err != nil {
		t.Fatalf("failed to load agents.yaml: %v", err)
	}
	catalog, err := LoadPlans(filepath.Join("..", "config", "plans.yaml"))
	if err != nil {
		t.Fatalf("failed to load plans.yaml: %v", err)
	}
	if err := catalog.ValidateAgents(table); err != nil {
		t.Errorf("sample plans reference unknown agents: %v", err)
	}
	if _, ok := catalog.ForTrigger("generate_podcast"); !ok {
		t.Error("expected a plan for generate_podcast")
	}
}

func TestLoadPolicyTable_FileErrors(t *testing.T) {
	if _, err := LoadPolicyTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(validPolicyConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadPolicyTable(path); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
