package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/workflow"
)

// Envelope defaults applied when the stage definition carries no override.
const (
	DefaultTimeoutMS          = 300000
	DefaultMaxRetries         = 3
	DefaultRequiredConfidence = 80
)

// BuildEnvelope assembles a schema v2.0.0 envelope for one stage of a
// workflow. MessageID and TaskID are freshly generated and distinct. The
// workflow's current span becomes the envelope's span: the caller rotates
// CurrentSpanID per stage inside the transition and passes the previous one
// as parentSpanID, so spans chain stage to stage. The envelope is validated
// before being returned, so a malformed one never reaches the wire.
func BuildEnvelope(w *workflow.Workflow, stage, agentType string, timeoutMS, maxRetries int, parentSpanID string) (*envelope.AgentEnvelope, error) {
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	createdBy := w.CreatedBy
	if createdBy == "" {
		createdBy = "forgeline-engine"
	}

	var payload json.RawMessage
	if len(w.InputData.Payload) > 0 {
		raw, err := json.Marshal(w.InputData.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow payload: %w", err)
		}
		payload = raw
	}

	var surfaceCtx json.RawMessage
	if w.InputData.SurfaceContext != nil {
		raw, err := json.Marshal(w.InputData.SurfaceContext)
		if err != nil {
			return nil, fmt.Errorf("marshal surface context: %w", err)
		}
		surfaceCtx = raw
	}

	e := &envelope.AgentEnvelope{
		MessageID:  uuid.New().String(),
		TaskID:     uuid.New().String(),
		WorkflowID: w.ID,
		AgentType:  agentType,
		Priority:   envelope.PriorityMedium,
		Status:     envelope.StatusPending,
		Constraints: envelope.Constraints{
			TimeoutMS:          timeoutMS,
			MaxRetries:         maxRetries,
			RequiredConfidence: DefaultRequiredConfidence,
		},
		Payload: payload,
		Metadata: envelope.Metadata{
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       createdBy,
			EnvelopeVersion: envelope.Version,
		},
		Trace: envelope.Trace{
			TraceID:      w.TraceID,
			SpanID:       w.CurrentSpanID,
			ParentSpanID: parentSpanID,
		},
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType:   w.Type,
			WorkflowName:   w.Name,
			CurrentStage:   stage,
			StageOutputs:   w.StageOutputs,
			SurfaceContext: surfaceCtx,
		},
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("build envelope for workflow %s stage %s: %w", w.ID, stage, err)
	}
	return e, nil
}
