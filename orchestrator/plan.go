// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowPlan is the ordered list of steps one trigger kind runs through
type WorkflowPlan struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   ConfigMetadata `yaml:"metadata"`
	Spec       PlanSpec       `yaml:"spec"`
}

// PlanSpec describes the steps of a plan
type PlanSpec struct {
	TriggerKind string `yaml:"trigger_kind"`
	// ArtifactKey names the context entry announced to delivery once the
	// workflow finishes.
	ArtifactKey string     `yaml:"artifact_key"`
	Steps       []PlanStep `yaml:"steps"`
}

// PlanStep is one delegated step. Input values of the form
// "{{trigger.x}}", "{{context.x}}" or "{{item.x}}" are resolved before
// dispatch; "{{item}}" is the whole fan-out element.
type PlanStep struct {
	Name  string                 `yaml:"name"`
	Agent string                 `yaml:"agent"`
	Kind  string                 `yaml:"kind"`
	Input map[string]interface{} `yaml:"input"`
	// FanOut names a list in context_data; one task runs per element.
	FanOut string `yaml:"fan_out"`
	// OutputKey is where the result is merged into context_data. Fan-out
	// results are merged as a list in element order.
	OutputKey   string `yaml:"output_key"`
	MaxParallel int    `yaml:"max_parallel"`
}

// Name returns the plan name
func (p *WorkflowPlan) Name() string {
	return p.Metadata.Name
}

// kindCount returns how many steps share kind
func (p *WorkflowPlan) kindCount(kind string) int {
	n := 0
	for _, s := range p.Spec.Steps {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// PlanCatalog holds plans by name
type PlanCatalog struct {
	plans map[string]*WorkflowPlan
	order []string
}

// LoadPlans reads a multi-document YAML file of plans
func LoadPlans(path string) (*PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	return ParsePlans(data)
}

// ParsePlans parses one or more YAML documents into a catalog
func ParsePlans(data []byte) (*PlanCatalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var plans []*WorkflowPlan
	for {
		var plan WorkflowPlan
		err := dec.Decode(&plan)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		plans = append(plans, &plan)
	}
	return NewPlanCatalog(plans...)
}

// NewPlanCatalog validates plans and indexes them
func NewPlanCatalog(plans ...*WorkflowPlan) (*PlanCatalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("at least one plan is required")
	}
	c := &PlanCatalog{plans: make(map[string]*WorkflowPlan, len(plans))}
	for _, p := range plans {
		if err := ValidatePlan(p); err != nil {
			return nil, fmt.Errorf("plan %q invalid: %w", p.Name(), err)
		}
		if _, dup := c.plans[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate plan name: %s", p.Name())
		}
		c.plans[p.Name()] = p
		c.order = append(c.order, p.Name())
	}
	return c, nil
}

// Get returns a plan by name
func (c *PlanCatalog) Get(name string) (*WorkflowPlan, bool) {
	p, ok := c.plans[name]
	return p, ok
}

// ForTrigger returns the first plan handling triggerKind
func (c *PlanCatalog) ForTrigger(triggerKind string) (*WorkflowPlan, bool) {
	for _, name := range c.order {
		if c.plans[name].Spec.TriggerKind == triggerKind {
			return c.plans[name], true
		}
	}
	return nil, false
}

// ValidatePlan checks a plan for structural errors
func ValidatePlan(p *WorkflowPlan) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if !strings.HasPrefix(p.APIVersion, APIVersionPrefix) {
		return fmt.Errorf("invalid apiVersion: must start with '%s', got '%s'", APIVersionPrefix, p.APIVersion)
	}
	if p.Kind != "WorkflowPlan" {
		return fmt.Errorf("invalid kind: expected 'WorkflowPlan', got '%s'", p.Kind)
	}
	if p.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if len(p.Spec.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	names := make(map[string]bool)
	for i, s := range p.Spec.Steps {
		if s.Name == "" || s.Agent == "" || s.Kind == "" {
			return fmt.Errorf("step %d: name, agent and kind are required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate step name: %s", s.Name)
		}
		names[s.Name] = true
		if s.MaxParallel < 0 {
			return fmt.Errorf("step %s: max_parallel cannot be negative", s.Name)
		}
	}
	return nil
}

// ValidateAgents checks that every step references a configured agent
func (c *PlanCatalog) ValidateAgents(policies *PolicyTable) error {
	for _, name := range c.order {
		for _, s := range c.plans[name].Spec.Steps {
			if _, ok := policies.Get(s.Agent); !ok {
				return fmt.Errorf("plan %s step %s: unknown agent %s", name, s.Name, s.Agent)
			}
		}
	}
	return nil
}
