// Package envelope defines the wire contracts between the orchestrator and
// agents: the AgentEnvelope task message (schema v2.0.0) and the AgentResult
// reply. Both are closed, versioned schemas; any change is a new version
// with explicit migration.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the sole envelope schema version this engine produces and
// accepts.
const Version = "2.0.0"

// Priority levels for envelope dispatch.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Envelope status values at publish time.
const (
	StatusPending = "pending"
	StatusQueued  = "queued"
	StatusRunning = "running"
)

// Constraints bound a task's execution on the agent side.
type Constraints struct {
	TimeoutMS          int `json:"timeout_ms"`
	MaxRetries         int `json:"max_retries"`
	RequiredConfidence int `json:"required_confidence"`
}

// Metadata carries envelope provenance.
type Metadata struct {
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by"`
	EnvelopeVersion string    `json:"envelope_version"`
}

// Trace carries distributed tracing context across the substrate.
type Trace struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// WorkflowContext embeds everything an agent needs to know about the
// workflow it is serving. Agents read their inputs exclusively from here;
// StageOutputs holds the outputs of all completed predecessor stages.
type WorkflowContext struct {
	WorkflowType   string                     `json:"workflow_type"`
	WorkflowName   string                     `json:"workflow_name"`
	CurrentStage   string                     `json:"current_stage"`
	StageOutputs   map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	SurfaceContext json.RawMessage            `json:"surface_context,omitempty"`
}

// AgentEnvelope is the canonical task message, schema v2.0.0. MessageID is
// the idempotency key and is distinct from TaskID: a redispatched task keeps
// its TaskID but gets a fresh MessageID.
type AgentEnvelope struct {
	MessageID       string          `json:"message_id"`
	TaskID          string          `json:"task_id"`
	WorkflowID      string          `json:"workflow_id"`
	AgentType       string          `json:"agent_type"`
	Priority        string          `json:"priority"`
	Status          string          `json:"status"`
	Constraints     Constraints     `json:"constraints"`
	RetryCount      int             `json:"retry_count"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Metadata        Metadata        `json:"metadata"`
	Trace           Trace           `json:"trace"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
}

// Validate checks the envelope against schema v2.0.0.
func (e *AgentEnvelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if e.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	switch e.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("invalid priority: %q", e.Priority)
	}
	switch e.Status {
	case StatusPending, StatusQueued, StatusRunning:
	default:
		return fmt.Errorf("invalid envelope status: %q", e.Status)
	}
	if e.Metadata.EnvelopeVersion != Version {
		return fmt.Errorf("unsupported envelope_version: %q", e.Metadata.EnvelopeVersion)
	}
	if e.Constraints.TimeoutMS <= 0 {
		return fmt.Errorf("constraints.timeout_ms must be positive")
	}
	if e.Trace.TraceID == "" || e.Trace.SpanID == "" {
		return fmt.Errorf("trace context is required")
	}
	if e.WorkflowContext.CurrentStage == "" {
		return fmt.Errorf("workflow_context.current_stage is required")
	}
	return nil
}

// ParseEnvelope decodes and validates an envelope from the wire.
func ParseEnvelope(data []byte) (*AgentEnvelope, error) {
	var e AgentEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// Marshal encodes the envelope after validating it. A validation failure
// here is a programmer error on the producing side, never a runtime
// condition.
func (e *AgentEnvelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return json.Marshal(e)
}
