package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result status values. "failed" is canonical; the historical "failure"
// spelling is rejected at validation.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// ResultError describes one agent-side error.
type ResultError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ResultMetrics reports execution cost.
type ResultMetrics struct {
	DurationMS    int64           `json:"duration_ms"`
	ResourceUsage json.RawMessage `json:"resource_usage,omitempty"`
}

// ResultBody is the nested result payload.
type ResultBody struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Metrics ResultMetrics   `json:"metrics"`
}

// AgentResult is the reply an agent publishes after handling an envelope.
// Stage is mandatory: it names the workflow stage this result closes, and
// the orchestrator correlates on it rather than guessing.
type AgentResult struct {
	MessageID   string          `json:"message_id"`
	TaskID      string          `json:"task_id"`
	WorkflowID  string          `json:"workflow_id"`
	AgentID     string          `json:"agent_id"`
	AgentType   string          `json:"agent_type"`
	Stage       string          `json:"stage"`
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Action      string          `json:"action,omitempty"`
	Result      ResultBody      `json:"result"`
	Errors      []ResultError   `json:"errors,omitempty"`
	NextActions json.RawMessage `json:"next_actions,omitempty"`
	Trace       Trace           `json:"trace"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
}

// Validate checks the result against the schema the orchestrator accepts.
func (r *AgentResult) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if r.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if r.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	if r.Stage == "" {
		return fmt.Errorf("stage is required")
	}
	switch r.Status {
	case ResultSuccess, ResultFailed, ResultCancelled:
	case "failure":
		return fmt.Errorf(`result status "failure" is not accepted; use "failed"`)
	default:
		return fmt.Errorf("invalid result status: %q", r.Status)
	}
	if r.Success != (r.Status == ResultSuccess) {
		return fmt.Errorf("success flag %v contradicts status %q", r.Success, r.Status)
	}
	return nil
}

// ParseResult decodes and validates a result from the wire.
func ParseResult(data []byte) (*AgentResult, error) {
	var r AgentResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return &r, nil
}

// Marshal encodes the result after validating it.
func (r *AgentResult) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return json.Marshal(r)
}
