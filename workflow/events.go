package workflow

import (
	"encoding/json"
	"time"
)

// Lifecycle event types published on the orchestrator event channel and
// recorded in the workflow_events audit table.
const (
	EventWorkflowCreated   = "WORKFLOW_CREATED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowCancelled = "WORKFLOW_CANCELLED"
	EventStageStarted      = "STAGE_STARTED"
	EventStageCompleted    = "STAGE_COMPLETED"
	EventStageFailed       = "STAGE_FAILED"
	EventStageSkipped      = "STAGE_SKIPPED"
	// EventResultQuarantined preserves a schema-invalid result payload that
	// was discarded from the result channel.
	EventResultQuarantined = "RESULT_QUARANTINED"
)

// Event is one audit entry in a workflow's history. Detail carries the
// event-specific payload (failure reason, stage output size, routing info).
type Event struct {
	ID         int64           `json:"id,omitempty"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"type"`
	Stage      string          `json:"stage,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
