package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/workflow"
)

// conflictStore fails the first N workflow writes with a version conflict,
// simulating a concurrent engine instance winning the race.
type conflictStore struct {
	store.Store
	remaining int
}

func (c *conflictStore) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if c.remaining > 0 {
		c.remaining--
		return store.ErrVersionConflict
	}
	return c.Store.UpdateWorkflow(ctx, w)
}

func resultFor(w *workflow.Workflow, stage string) *envelope.AgentResult {
	return &envelope.AgentResult{
		MessageID:  "msg-" + stage,
		TaskID:     "task-" + stage,
		WorkflowID: w.ID,
		AgentID:    "agent-1",
		AgentType:  stage,
		Stage:      stage,
		Success:    true,
		Status:     envelope.ResultSuccess,
		Trace:      envelope.Trace{TraceID: w.TraceID, SpanID: "span-x"},
		Timestamp:  time.Now().UTC(),
		Version:    envelope.Version,
	}
}

func seedRunningWorkflow(t *testing.T, ms store.Store) *workflow.Workflow {
	t.Helper()
	w := &workflow.Workflow{
		ID:            "wf-cas",
		Name:          "demo",
		Type:          "app",
		Status:        workflow.StatusRunning,
		CurrentStage:  "initialization",
		TraceID:       "trace-1",
		CurrentSpanID: "span-0",
	}
	require.NoError(t, ms.CreateWorkflow(context.Background(), w))
	// A live agent for the next stage so the follow-up dispatch succeeds.
	require.NoError(t, ms.UpsertAgent(context.Background(), &workflow.Agent{
		AgentID:       "scaffolding-1",
		Type:          "scaffolding",
		Status:        workflow.AgentOnline,
		LastHeartbeat: time.Now(),
	}))
	return w
}

func newBareEngine(st store.Store, retries int) (*Engine, *substrate.MemBus) {
	bus := substrate.NewMemBus(nil)
	reg := registry.New(st, nil)
	rt := router.New(st, nil)
	return New(st, bus, rt, reg, Config{CASRetries: retries}, nil), bus
}

func TestApplyResultRetriesOnVersionConflict(t *testing.T) {
	ms := store.NewMemStore()
	cs := &conflictStore{Store: ms, remaining: 1}
	eng, bus := newBareEngine(cs, 3)
	defer func() { _ = bus.Close() }()

	w := seedRunningWorkflow(t, ms)
	ctx := context.Background()
	require.NoError(t, eng.applyResult(ctx, resultFor(w, "initialization")))

	after, err := ms.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	// One conflict, then a clean reload-and-apply.
	assert.Equal(t, "scaffolding", after.CurrentStage)
	assert.Equal(t, workflow.StatusRunning, after.Status)
	assert.Equal(t, 0, cs.remaining)
}

func TestApplyResultGivesUpAfterRetryBudget(t *testing.T) {
	ms := store.NewMemStore()
	cs := &conflictStore{Store: ms, remaining: 100}
	eng, bus := newBareEngine(cs, 2)
	defer func() { _ = bus.Close() }()

	w := seedRunningWorkflow(t, ms)
	err := eng.applyResult(context.Background(), resultFor(w, "initialization"))
	// The error leaves the result unacked for redelivery.
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestHandleResultDropsInvalidPayload(t *testing.T) {
	ms := store.NewMemStore()
	eng, bus := newBareEngine(ms, 3)
	defer func() { _ = bus.Close() }()
	ctx := context.Background()

	// Malformed results are acked and dropped, never redelivered.
	raw := []byte(`{"workflow_id":"wf-q","status":"failure"}`)
	require.NoError(t, eng.handleResult(ctx, substrate.Message{Data: raw}))

	// The raw payload survives as a quarantine audit row.
	events, err := ms.ListEvents(ctx, "wf-q")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, workflow.EventResultQuarantined, events[0].Type)
	assert.JSONEq(t, string(raw), string(events[0].Detail))

	// Garbage without a workflow id is still acked, just not quarantined.
	assert.NoError(t, eng.handleResult(ctx, substrate.Message{Data: []byte(`not json`)}))
}

func TestStageTransitionChainsSpans(t *testing.T) {
	ms := store.NewMemStore()
	eng, bus := newBareEngine(ms, 3)
	defer func() { _ = bus.Close() }()
	ctx := context.Background()

	w := seedRunningWorkflow(t, ms)
	require.NoError(t, eng.applyResult(ctx, resultFor(w, "initialization")))

	after, err := ms.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "scaffolding", after.CurrentStage)
	assert.NotEqual(t, "span-0", after.CurrentSpanID)

	tasks, err := ms.ListTasksByStatus(ctx, workflow.TaskDispatched, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	env, err := envelope.ParseEnvelope(tasks[0].Envelope)
	require.NoError(t, err)
	// The new stage runs under the persisted span, parented on the span of
	// the stage that just completed.
	assert.Equal(t, after.CurrentSpanID, env.Trace.SpanID)
	assert.Equal(t, "span-0", env.Trace.ParentSpanID)
	// No ingress identity on this workflow, so the engine signs the envelope.
	assert.Equal(t, "forgeline-engine", env.Metadata.CreatedBy)
}

func TestBeginDispatchFailureFailsWorkflow(t *testing.T) {
	ms := store.NewMemStore()
	eng, bus := newBareEngine(ms, 3)
	defer func() { _ = bus.Close() }()
	ctx := context.Background()

	// No agent is registered for the first stage.
	w := &workflow.Workflow{
		ID:            "wf-begin",
		Name:          "demo",
		Type:          "app",
		Status:        workflow.StatusInitiated,
		TraceID:       "trace-1",
		CurrentSpanID: "span-0",
	}
	require.NoError(t, ms.CreateWorkflow(ctx, w))

	route, err := router.New(ms, nil).Resolve(ctx, w)
	require.NoError(t, err)
	err = eng.Begin(ctx, w, route)
	require.ErrorIs(t, err, registry.ErrAgentUnavailable)

	// The row is not left running with no task to ever answer.
	after, err := ms.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, after.Status)

	events, err := ms.ListEvents(ctx, w.ID)
	require.NoError(t, err)
	var failed bool
	for _, ev := range events {
		if ev.Type == workflow.EventWorkflowFailed {
			failed = true
		}
	}
	assert.True(t, failed, "expected a WORKFLOW_FAILED event")
}
