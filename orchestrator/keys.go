// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/psreek-ai/AIFirstPodcastApp-sub000/dispatch"
)

// derivedKeyNamespace scopes the v5 ids that stand in for derived keys too
// long for the operation_key columns.
var derivedKeyNamespace = uuid.MustParse("2c9d7e51-4a0b-5f63-b8e2-71d0c4a9f35e")

// operationKey picks the idempotency key for one branch of a step. The
// caller's key travels end-to-end when the step is the only one of its
// kind and does not fan out; every other branch gets a derived key so it
// is independently idempotent. Retries reuse whatever is returned here.
// A derived key that would not fit the ledger is replaced by a stable
// digest of itself.
func operationKey(callerKey string, workflowID uuid.UUID, plan *WorkflowPlan, step PlanStep, index int) string {
	if callerKey != "" && step.FanOut == "" && plan.kindCount(step.Kind) == 1 {
		return callerKey
	}
	base := callerKey
	if base == "" {
		base = "wf-" + workflowID.String()
	}
	key := fmt.Sprintf("%s:%s:%s:%d", base, step.Kind, step.Name, index)
	if len(key) > dispatch.MaxOperationKeyLength {
		return "h-" + uuid.NewSHA1(derivedKeyNamespace, []byte(key)).String()
	}
	return key
}
