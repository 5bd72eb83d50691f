// Package engine drives workflows through their stage graphs: it builds and
// dispatches agent envelopes, consumes agent results, applies the workflow
// state machine under optimistic concurrency, and recovers stuck tasks.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/workflow"
)

// StageOutcome is the event applied to the workflow state machine: one stage
// finished, and routing has already decided where the workflow goes next. The
// routing decision rides on the event so Apply stays a pure function of
// (workflow, outcome).
type StageOutcome struct {
	Stage         string
	Success       bool
	Output        json.RawMessage
	FailureReason string
	Decision      router.Decision
	Progress      int
}

// Effect is the follow-up the executor owes after a transition commits.
type Effect int

const (
	// EffectDispatchNext dispatches the stage named in the decision.
	EffectDispatchNext Effect = iota
	// EffectCompleted emits workflow completion.
	EffectCompleted
	// EffectFailed emits workflow failure.
	EffectFailed
)

// Apply mutates the workflow per the stage outcome and returns the effect to
// perform after the write commits. It never touches storage or the wire.
func Apply(w *workflow.Workflow, out StageOutcome) (Effect, error) {
	if w.Status.Terminal() {
		return 0, fmt.Errorf("workflow %s is terminal (%s)", w.ID, w.Status)
	}
	if w.CurrentStage != out.Stage {
		return 0, fmt.Errorf("workflow %s is at stage %q, not %q", w.ID, w.CurrentStage, out.Stage)
	}

	if out.Success {
		w.SetOutput(out.Stage, out.Output)
	}

	// A failed stage either terminates the workflow, skips forward, or
	// routes to a remediation stage. Only the terminal case fails the
	// workflow.
	if !out.Success && !out.Decision.Skipped && out.Decision.Terminal() {
		w.Status = workflow.StatusFailed
		w.FailureReason = out.FailureReason
		return EffectFailed, nil
	}

	// Progress only advances on success or skip, and never moves backward:
	// a failed stage routed to remediation earns no weight, and a
	// remediation pass through an earlier stage must not shrink it.
	if (out.Success || out.Decision.Skipped) && out.Progress > w.Progress {
		w.Progress = out.Progress
	}
	if out.Decision.Terminal() {
		w.Status = workflow.StatusCompleted
		w.Progress = 100
		return EffectCompleted, nil
	}

	w.Status = workflow.StatusRunning
	w.CurrentStage = out.Decision.Next
	return EffectDispatchNext, nil
}
