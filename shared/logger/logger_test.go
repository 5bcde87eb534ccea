// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			log := New("orchestrator")
			assert.Equal(t, "orchestrator", log.Component)
			assert.Equal(t, tt.expectedInstID, log.InstanceID)
			assert.NotEmpty(t, log.Container)
		})
	}
}

func TestLog_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("guard", &buf)

	log.Info("wf-1", "task-7", "Task dispatched", map[string]interface{}{"agent": "script-weaver"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "guard", e["component"])
	assert.Equal(t, "wf-1", e["workflow_id"])
	assert.Equal(t, "task-7", e["request_id"])
	assert.Equal(t, "Task dispatched", e["message"])
	assert.NotEmpty(t, e["timestamp"])
	fields, ok := e["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "script-weaver", fields["agent"])
}

func TestLog_OmitsEmptyRequestAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("agent", &buf)

	log.Warn("wf-2", "", "no extras", nil)

	e := decodeLines(t, &buf)[0]
	assert.Equal(t, "WARN", e["level"])
	_, hasRequest := e["request_id"]
	_, hasFields := e["fields"]
	assert.False(t, hasRequest)
	assert.False(t, hasFields)
}

func TestSetLevel_FiltersLowerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("agent", &buf)
	require.NoError(t, log.SetLevel("warn"))

	log.Debug("wf", "", "dropped", nil)
	log.Info("wf", "", "dropped", nil)
	log.Error("wf", "", "kept", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["message"])
}

func TestSetLevel_Invalid(t *testing.T) {
	log := Nop()
	err := log.SetLevel("loud")
	assert.Error(t, err)
}

func TestErrorWithErrAndDuration(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("orchestrator", &buf)

	log.ErrorWithErr("wf", "req", "dispatch failed", errors.New("connection refused"), nil)
	log.InfoWithDuration("wf", "req", "poll finished", 1500*time.Microsecond, nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "connection refused", entries[0]["fields"].(map[string]interface{})["error"])
	assert.InDelta(t, 1.5, entries[1]["fields"].(map[string]interface{})["duration_ms"], 0.001)
}

func TestWith_SharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter("orchestrator", &buf)
	child := root.With("notifier")

	child.Info("wf", "", "published", nil)

	e := decodeLines(t, &buf)[0]
	assert.Equal(t, "notifier", e["component"])
	assert.Equal(t, "orchestrator", root.Component)
}
