// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIVersionPrefix is required on every configuration document
const APIVersionPrefix = "podcast.aifirst.io/"

// Policy defaults
const (
	DefaultMaxRetries     = 3
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultPollTimeout    = 10 * time.Minute
)

// AgentPolicyFile is the static per-agent policy table
type AgentPolicyFile struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   ConfigMetadata  `yaml:"metadata"`
	Spec       AgentPolicySpec `yaml:"spec"`
}

// ConfigMetadata identifies a configuration document
type ConfigMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AgentPolicySpec lists the agents the orchestrator may dispatch to
type AgentPolicySpec struct {
	Agents []AgentPolicy `yaml:"agents"`
}

// AgentPolicy controls how tasks for one agent are dispatched, retried and
// classified on failure.
type AgentPolicy struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	// Required failures abort the workflow; optional ones degrade it.
	Required bool `yaml:"required"`
	// MaxRetries is the total number of attempts, the first one included.
	MaxRetries   int           `yaml:"max_retries"`
	Backoff      BackoffConfig `yaml:"backoff"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// BackoffConfig is exponential backoff with jitter between attempts
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Jitter  time.Duration `yaml:"jitter"`
}

// PolicyTable indexes policies by agent name
type PolicyTable struct {
	agents map[string]AgentPolicy
}

// LoadPolicyTable loads and validates an agent policy file
func LoadPolicyTable(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicyTable(data)
}

// ParsePolicyTable parses YAML data into a PolicyTable
func ParsePolicyTable(data []byte) (*PolicyTable, error) {
	var file AgentPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validatePolicyFile(&file); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return NewPolicyTable(file.Spec.Agents...)
}

// NewPolicyTable builds a table from policies, filling defaults
func NewPolicyTable(policies ...AgentPolicy) (*PolicyTable, error) {
	t := &PolicyTable{agents: make(map[string]AgentPolicy, len(policies))}
	for i, p := range policies {
		p.applyDefaults()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("agent %d (%s) invalid: %w", i, p.Name, err)
		}
		if _, dup := t.agents[p.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name: %s", p.Name)
		}
		t.agents[p.Name] = p
	}
	return t, nil
}

// Get returns the policy for an agent
func (t *PolicyTable) Get(agent string) (AgentPolicy, bool) {
	p, ok := t.agents[agent]
	return p, ok
}

// Names returns the configured agent names
func (t *PolicyTable) Names() []string {
	names := make([]string, 0, len(t.agents))
	for name := range t.agents {
		names = append(names, name)
	}
	return names
}

func validatePolicyFile(f *AgentPolicyFile) error {
	if !strings.HasPrefix(f.APIVersion, APIVersionPrefix) {
		return fmt.Errorf("invalid apiVersion: must start with '%s', got '%s'", APIVersionPrefix, f.APIVersion)
	}
	if f.Kind != "AgentPolicy" {
		return fmt.Errorf("invalid kind: expected 'AgentPolicy', got '%s'", f.Kind)
	}
	if len(f.Spec.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	return nil
}

func (p *AgentPolicy) applyDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Backoff.Initial == 0 {
		p.Backoff.Initial = DefaultBackoffInitial
	}
	if p.Backoff.Max == 0 {
		p.Backoff.Max = DefaultBackoffMax
	}
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = DefaultPollTimeout
	}
}

// Validate checks a single policy after defaults are applied
func (p AgentPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if p.Backoff.Initial <= 0 || p.Backoff.Max <= p.Backoff.Initial {
		return fmt.Errorf("backoff.max must be greater than backoff.initial")
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter > p.Backoff.Initial {
		return fmt.Errorf("backoff.jitter must be between 0 and backoff.initial")
	}
	if p.PollInterval <= 0 || p.PollTimeout < p.PollInterval {
		return fmt.Errorf("poll_timeout must be at least poll_interval")
	}
	return nil
}
