// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EpisodeAssembler joins segment scripts into an episode manifest, the
// input of the audio render. Segments whose script step failed arrive as
// null and are left out.
type EpisodeAssembler struct {
	kind      string
	artifacts ArtifactStore
	now       func() time.Time
}

var _ Executor = (*EpisodeAssembler)(nil)

// EpisodeSegment is one entry of the manifest
type EpisodeSegment struct {
	Index     int    `json:"index"`
	ScriptRef string `json:"script_ref"`
}

// EpisodeManifest is the stored artifact
type EpisodeManifest struct {
	Title      string           `json:"title"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Segments   []EpisodeSegment `json:"segments"`
	Missing    []int            `json:"missing,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewEpisodeAssembler creates an assembler registered under kind
func NewEpisodeAssembler(kind string, artifacts ArtifactStore) *EpisodeAssembler {
	return &EpisodeAssembler{kind: kind, artifacts: artifacts, now: func() time.Time { return time.Now().UTC() }}
}

func (a *EpisodeAssembler) Kind() string { return a.kind }

func (a *EpisodeAssembler) Validate(payload json.RawMessage) error {
	fields, err := decodePayload(payload, []string{"title", "scripts"})
	if err != nil {
		return err
	}
	if _, ok := fields["scripts"].([]interface{}); !ok {
		return &ValidationError{Field: "scripts", Message: "must be a list"}
	}
	return nil
}

func (a *EpisodeAssembler) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	if err := a.Validate(task.Payload); err != nil {
		return nil, permanent("invalid_payload", "%v", err)
	}
	fields, _ := decodePayload(task.Payload, nil)
	title, _ := fields["title"].(string)
	scripts := fields["scripts"].([]interface{})

	manifest := EpisodeManifest{
		Title:      title,
		WorkflowID: task.WorkflowID,
		Segments:   []EpisodeSegment{},
		CreatedAt:  a.now(),
	}
	for i, s := range scripts {
		ref := scriptRef(s)
		if ref == "" {
			manifest.Missing = append(manifest.Missing, i)
			continue
		}
		manifest.Segments = append(manifest.Segments, EpisodeSegment{Index: i, ScriptRef: ref})
	}
	if len(manifest.Segments) == 0 {
		return nil, permanent("no_scripts", "none of the %d segments produced a script", len(scripts))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, permanent("invalid_payload", "failed to encode manifest: %v", err)
	}
	ref, err := a.artifacts.Put(ctx, fmt.Sprintf("%s/%s.json", task.OperationKind, task.Handle), data, "application/json")
	if err != nil {
		return nil, transient("artifact_store_unavailable", "%v", err)
	}

	return json.Marshal(map[string]interface{}{
		"episode_ref":   ref,
		"title":         title,
		"segment_count": len(manifest.Segments),
		"missing":       len(manifest.Missing),
	})
}

// scriptRef accepts either a script result object or a bare reference
func scriptRef(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]interface{}:
		ref, _ := s["artifact_ref"].(string)
		return ref
	default:
		return ""
	}
}
