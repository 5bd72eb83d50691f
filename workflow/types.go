// Package workflow defines the domain model for the forgeline orchestration
// engine: workflows, per-platform workflow definitions, platforms and their
// entry surfaces, and the persisted task records that track each stage's
// dispatch attempt.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle status of a workflow.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SurfaceContext records which entry surface admitted a workflow. It is
// propagated into input_data and every envelope's workflow_context.
type SurfaceContext struct {
	SurfaceID     string          `json:"surface_id"`
	SurfaceType   SurfaceType     `json:"surface_type"`
	PlatformID    string          `json:"platform_id"`
	EntryMetadata json.RawMessage `json:"entry_metadata,omitempty"`
}

// InputData is the creation-time payload of a workflow.
type InputData struct {
	Payload        map[string]any  `json:"payload,omitempty"`
	SurfaceContext *SurfaceContext `json:"surface_context,omitempty"`
}

// Workflow is the root aggregate driven by the state machine. Version is the
// optimistic-concurrency token: every CAS write increments it, and a write
// against a stale version fails with store.ErrVersionConflict.
type Workflow struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Type          string                     `json:"type"`
	PlatformID    string                     `json:"platform_id,omitempty"`
	DefinitionID  string                     `json:"workflow_definition_id,omitempty"`
	CurrentStage  string                     `json:"current_stage"`
	Status        Status                     `json:"status"`
	Progress      int                        `json:"progress"`
	StageOutputs  map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	InputData     InputData                  `json:"input_data"`
	TraceID       string                     `json:"trace_id"`
	CurrentSpanID string                     `json:"current_span_id"`
	CreatedBy     string                     `json:"created_by,omitempty"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	Version       int64                      `json:"version"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Validate checks the invariants that hold for every persisted workflow.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if w.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	switch w.Status {
	case StatusInitiated, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("unknown workflow status: %s", w.Status)
	}
	if w.Progress < 0 || w.Progress > 100 {
		return fmt.Errorf("progress out of range: %d", w.Progress)
	}
	return nil
}

// Output returns the stored output blob for a stage, if any.
func (w *Workflow) Output(stage string) (json.RawMessage, bool) {
	out, ok := w.StageOutputs[stage]
	return out, ok
}

// SetOutput records a stage's output blob.
func (w *Workflow) SetOutput(stage string, data json.RawMessage) {
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[string]json.RawMessage)
	}
	w.StageOutputs[stage] = data
}

// CompletedStages returns the names of stages that produced an output.
func (w *Workflow) CompletedStages() []string {
	stages := make([]string, 0, len(w.StageOutputs))
	for name := range w.StageOutputs {
		stages = append(stages, name)
	}
	return stages
}

// TaskStatus is the lifecycle status of an AgentTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// AgentTask is the persisted record of a stage's dispatch attempt. The full
// envelope is stored as the payload so a pending task can be re-published
// verbatim by the reaper. At most one non-terminal task exists per
// (workflow_id, stage) at any time.
type AgentTask struct {
	TaskID       string          `json:"task_id"`
	MessageID    string          `json:"message_id"`
	WorkflowID   string          `json:"workflow_id"`
	Stage        string          `json:"stage"`
	AgentType    string          `json:"agent_type"`
	Status       TaskStatus      `json:"status"`
	Priority     string          `json:"priority"`
	Envelope     json.RawMessage `json:"envelope"`
	TimeoutMS    int             `json:"timeout_ms"`
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Validate checks task invariants.
func (t *AgentTask) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if t.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if t.Stage == "" {
		return fmt.Errorf("stage is required")
	}
	if t.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	return nil
}
