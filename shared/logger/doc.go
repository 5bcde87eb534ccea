// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the orchestrator and
agent services.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, agent:<kind>, guard, ...)
  - Instance ID and container name
  - Workflow ID (the unit of correlation across services)
  - Request ID (a task id, an operation key or an HTTP request id)
  - Custom fields

# Usage

	log := logger.New("orchestrator")

	log.Info(workflowID, taskID, "Task dispatched", map[string]interface{}{
	    "agent": "script-weaver",
	    "external_task_id": handle,
	})

# Output Format

	{"level":"INFO","component":"orchestrator","instance_id":"i-abc123",
	 "container":"orch-xyz","workflow_id":"9b1d...","request_id":"t-1",
	 "fields":{"agent":"script-weaver"},"timestamp":"2025-01-15T10:30:00.123456789Z",
	 "message":"Task dispatched"}

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
