package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResult() *AgentResult {
	return &AgentResult{
		MessageID:  "msg-1",
		TaskID:     "task-1",
		WorkflowID: "wf-1",
		AgentID:    "scaffolding-abc",
		AgentType:  "scaffolding",
		Stage:      "scaffolding",
		Success:    true,
		Status:     ResultSuccess,
		Result: ResultBody{
			Data:    json.RawMessage(`{"files":3}`),
			Metrics: ResultMetrics{DurationMS: 120},
		},
		Trace:     Trace{TraceID: "trace-1", SpanID: "span-2"},
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}
}

func TestResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentResult)
		wantErr string
	}{
		{name: "valid success", mutate: func(*AgentResult) {}},
		{
			name: "valid failed",
			mutate: func(r *AgentResult) {
				r.Success = false
				r.Status = ResultFailed
			},
		},
		{
			name: "valid cancelled",
			mutate: func(r *AgentResult) {
				r.Success = false
				r.Status = ResultCancelled
			},
		},
		{
			name:    "missing stage",
			mutate:  func(r *AgentResult) { r.Stage = "" },
			wantErr: "stage is required",
		},
		{
			name:    "missing agent_id",
			mutate:  func(r *AgentResult) { r.AgentID = "" },
			wantErr: "agent_id",
		},
		{
			name: "historical failure spelling rejected",
			mutate: func(r *AgentResult) {
				r.Success = false
				r.Status = "failure"
			},
			wantErr: `use "failed"`,
		},
		{
			name:    "unknown status",
			mutate:  func(r *AgentResult) { r.Status = "done" },
			wantErr: "invalid result status",
		},
		{
			name:    "success flag contradicts status",
			mutate:  func(r *AgentResult) { r.Success = false },
			wantErr: "contradicts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validResult()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestResultRoundTrip(t *testing.T) {
	r := validResult()
	r.Errors = []ResultError{{Code: "WARN", Message: "slow path", Recoverable: true}}

	raw, err := r.Marshal()
	require.NoError(t, err)

	parsed, err := ParseResult(raw)
	require.NoError(t, err)
	assert.Equal(t, r.Stage, parsed.Stage)
	assert.Equal(t, r.Errors, parsed.Errors)
	assert.Equal(t, int64(120), parsed.Result.Metrics.DurationMS)
}

func TestMarshalRejectsFailureSpelling(t *testing.T) {
	r := validResult()
	r.Success = false
	r.Status = "failure"
	_, err := r.Marshal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `use "failed"`)
}
