package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/agentrt"
	"github.com/forgeline/forgeline/engine"
	"github.com/forgeline/forgeline/envelope"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/service"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/substrate"
	"github.com/forgeline/forgeline/surface"
	"github.com/forgeline/forgeline/workflow"
)

type harness struct {
	t         *testing.T
	store     *store.MemStore
	bus       *substrate.MemBus
	registry  *registry.Registry
	router    *router.Router
	gate      *surface.Gate
	engine    *engine.Engine
	workflows *service.WorkflowService
	admin     *service.AdminService
}

func newHarness(t *testing.T, cfg engine.Config) *harness {
	t.Helper()
	ms := store.NewMemStore()
	bus := substrate.NewMemBus(nil)
	bus.RedeliveryDelay = time.Millisecond
	reg := registry.New(ms, nil)
	rt := router.New(ms, nil)
	gate := surface.New(ms, nil)

	eng := engine.New(ms, bus, rt, reg, cfg, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		eng.Stop()
		_ = bus.Close()
	})

	return &harness{
		t:         t,
		store:     ms,
		bus:       bus,
		registry:  reg,
		router:    rt,
		gate:      gate,
		engine:    eng,
		workflows: service.NewWorkflowService(ms, gate, rt, reg, eng, nil),
		admin:     service.NewAdminService(ms, rt, gate, nil),
	}
}

// startAgent runs an agentrt instance serving one agent type.
func (h *harness) startAgent(agentType string, exec agentrt.Executor) *agentrt.Runtime {
	h.t.Helper()
	rt, err := agentrt.New(h.bus, h.registry, exec, agentrt.Config{
		AgentType: agentType,
	}, nil)
	require.NoError(h.t, err)
	require.NoError(h.t, rt.Start(context.Background()))
	h.t.Cleanup(rt.Stop)
	return rt
}

func okExecutor(blob string) agentrt.Executor {
	return agentrt.ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (json.RawMessage, error) {
		return json.RawMessage(blob), nil
	})
}

func failExecutor(msg string) agentrt.Executor {
	return agentrt.ExecutorFunc(func(_ context.Context, _ *envelope.AgentEnvelope) (json.RawMessage, error) {
		return nil, errors.New(msg)
	})
}

func (h *harness) waitForStatus(workflowID string, want workflow.Status) *workflow.Workflow {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *workflow.Workflow
	for time.Now().Before(deadline) {
		w, err := h.store.GetWorkflow(context.Background(), workflowID)
		require.NoError(h.t, err)
		if w.Status == want {
			return w
		}
		last = w
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("workflow %s never reached %s (last: %+v)", workflowID, want, last)
	return nil
}

func (h *harness) seedPlatform(surfaceType workflow.SurfaceType) {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.admin.CreatePlatform(ctx, &workflow.Platform{ID: "plat-1", Name: "demo"})
	require.NoError(h.t, err)
	require.NoError(h.t, h.admin.UpsertSurface(ctx, &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: surfaceType,
		Enabled:     true,
	}))
}

func mlDefinition() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		ID:         "def-ml",
		PlatformID: "plat-1",
		Name:       "ml-pipeline",
		Stages: []workflow.StageDefinition{
			{Name: "prepare", AgentType: "data-prep", Weight: 30, OnSuccess: "train", OnFailure: workflow.RouteEnd},
			{Name: "train", AgentType: "trainer", Weight: 50, OnSuccess: "evaluate", OnFailure: workflow.RouteSkip},
			{Name: "evaluate", AgentType: "evaluator", Weight: 20, OnSuccess: workflow.RouteEnd, OnFailure: workflow.RouteEnd},
		},
	}
}

func TestLegacyAppWorkflowEndToEnd(t *testing.T) {
	h := newHarness(t, engine.Config{})

	var mu sync.Mutex
	var createdBy string
	h.startAgent("initialization", agentrt.ExecutorFunc(func(_ context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error) {
		mu.Lock()
		createdBy = env.Metadata.CreatedBy
		mu.Unlock()
		return json.RawMessage(`{"stage":"initialization"}`), nil
	}))
	for _, stage := range []string{"scaffolding", "validation", "e2e", "integration", "deployment"} {
		h.startAgent(stage, okExecutor(fmt.Sprintf(`{"stage":%q}`, stage)))
	}

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Name:      "my-app",
		Type:      "app",
		CreatedBy: "ci-bot",
		Payload:   map[string]any{"repo": "demo"},
	})
	require.NoError(t, err)
	assert.Empty(t, w.DefinitionID)

	done := h.waitForStatus(w.ID, workflow.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Len(t, done.CompletedStages(), 6)
	out, ok := done.Output("deployment")
	require.True(t, ok)
	assert.JSONEq(t, `{"stage":"deployment"}`, string(out))

	events, err := h.store.ListEvents(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowCreated, events[0].Type)
	assert.Equal(t, workflow.EventWorkflowCompleted, events[len(events)-1].Type)

	// The ingress caller identity rides into every envelope's metadata.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ci-bot", createdBy)
}

func TestDefinitionWorkflowProgress(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)
	_, err := h.admin.CreateDefinition(context.Background(), mlDefinition())
	require.NoError(t, err)

	var mu sync.Mutex
	var progressAfterPrepare, progressAfterTrain int
	h.startAgent("data-prep", okExecutor(`{"rows":10}`))
	h.startAgent("trainer", agentrt.ExecutorFunc(func(_ context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error) {
		// The orchestrator committed prepare's transition before
		// dispatching train.
		w, err := h.store.GetWorkflow(context.Background(), env.WorkflowID)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		progressAfterPrepare = w.Progress
		mu.Unlock()
		return json.RawMessage(`{"model":"v1"}`), nil
	}))
	h.startAgent("evaluator", agentrt.ExecutorFunc(func(_ context.Context, env *envelope.AgentEnvelope) (json.RawMessage, error) {
		w, err := h.store.GetWorkflow(context.Background(), env.WorkflowID)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		progressAfterTrain = w.Progress
		mu.Unlock()
		// Predecessor outputs ride in on the envelope.
		if string(env.WorkflowContext.StageOutputs["train"]) == "" {
			return nil, errors.New("missing train output")
		}
		return json.RawMessage(`{"score":0.93}`), nil
	}))

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	require.NoError(t, err)
	assert.Equal(t, "def-ml", w.DefinitionID)

	done := h.waitForStatus(w.ID, workflow.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 30, progressAfterPrepare)
	assert.Equal(t, 80, progressAfterTrain)
}

func TestOnFailureSkipContinues(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)
	_, err := h.admin.CreateDefinition(context.Background(), mlDefinition())
	require.NoError(t, err)

	h.startAgent("data-prep", okExecutor(`{"rows":10}`))
	h.startAgent("trainer", failExecutor("gpu on fire"))
	h.startAgent("evaluator", okExecutor(`{"score":0.5}`))

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	require.NoError(t, err)

	done := h.waitForStatus(w.ID, workflow.StatusCompleted)
	// The failed stage left no output; the skipped-to stage ran.
	_, ok := done.Output("train")
	assert.False(t, ok)
	_, ok = done.Output("evaluate")
	assert.True(t, ok)

	events, err := h.store.ListEvents(context.Background(), w.ID)
	require.NoError(t, err)
	var skipped bool
	for _, ev := range events {
		if ev.Type == workflow.EventStageSkipped && ev.Stage == "train" {
			skipped = true
		}
	}
	assert.True(t, skipped, "expected a STAGE_SKIPPED event for train")
}

func TestFirstStageFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)
	_, err := h.admin.CreateDefinition(context.Background(), mlDefinition())
	require.NoError(t, err)

	h.startAgent("data-prep", failExecutor("bad input"))
	h.startAgent("trainer", okExecutor(`{}`))
	h.startAgent("evaluator", okExecutor(`{}`))

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	require.NoError(t, err)

	done := h.waitForStatus(w.ID, workflow.StatusFailed)
	assert.Contains(t, done.FailureReason, "bad input")
}

func TestCreateRejectsUnknownAgentType(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)
	_, err := h.admin.CreateDefinition(context.Background(), mlDefinition())
	require.NoError(t, err)

	// Only two of the three agent types are live.
	h.startAgent("data-prep", okExecutor(`{}`))
	h.startAgent("trainer", okExecutor(`{}`))

	_, err = h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	assert.ErrorIs(t, err, registry.ErrAgentUnavailable)

	// Nothing was persisted.
	list, err := h.store.ListWorkflows(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateRejectsUnboundSurface(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)

	_, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "app",
		PlatformID:  "plat-1",
		SurfaceType: "CLI",
	})
	assert.ErrorIs(t, err, surface.ErrSurfaceNotBound)

	_, err = h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "app",
		PlatformID:  "plat-1",
		SurfaceType: "TELEPATHY",
	})
	assert.Error(t, err)
}

func TestCreateRejectsUnknownPlatform(t *testing.T) {
	h := newHarness(t, engine.Config{})

	// No platform seeded: the id must be rejected as unknown, not merely
	// as an unbound surface.
	_, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "app",
		PlatformID:  "plat-missing",
		SurfaceType: "REST",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleResultIsDiscarded(t *testing.T) {
	h := newHarness(t, engine.Config{})
	for _, stage := range []string{"initialization", "scaffolding", "validation", "e2e", "integration", "deployment"} {
		h.startAgent(stage, okExecutor(`{}`))
	}

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{Type: "app"})
	require.NoError(t, err)
	done := h.waitForStatus(w.ID, workflow.StatusCompleted)

	// A late duplicate for an early stage arrives after completion.
	stale := &envelope.AgentResult{
		MessageID:  "late-msg",
		TaskID:     "late-task",
		WorkflowID: w.ID,
		AgentID:    "rogue",
		AgentType:  "scaffolding",
		Stage:      "scaffolding",
		Success:    false,
		Status:     envelope.ResultFailed,
		Trace:      envelope.Trace{TraceID: done.TraceID, SpanID: "late-span"},
		Timestamp:  time.Now().UTC(),
		Version:    envelope.Version,
	}
	raw, err := stale.Marshal()
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), workflow.ResultChannel, raw, substrate.PublishOptions{
		Key: w.ID, MirrorToStream: true,
	}))

	time.Sleep(100 * time.Millisecond)
	after, err := h.store.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, after.Status)
	assert.Equal(t, done.Version, after.Version)
}

func TestTaskTimeoutFailsWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{
		TimeoutReaperInterval: 20 * time.Millisecond,
	})
	h.seedPlatform(workflow.SurfaceREST)

	def := mlDefinition()
	def.Stages[0].TimeoutMS = 1
	_, err := h.admin.CreateDefinition(context.Background(), def)
	require.NoError(t, err)

	// Agents are registered so dispatch passes, but the data-prep executor
	// blocks past its deadline and never answers in time.
	h.startAgent("data-prep", agentrt.ExecutorFunc(func(ctx context.Context, _ *envelope.AgentEnvelope) (json.RawMessage, error) {
		<-ctx.Done()
		time.Sleep(500 * time.Millisecond)
		return nil, ctx.Err()
	}))
	h.startAgent("trainer", okExecutor(`{}`))
	h.startAgent("evaluator", okExecutor(`{}`))

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	require.NoError(t, err)

	done := h.waitForStatus(w.ID, workflow.StatusFailed)
	assert.Contains(t, done.FailureReason, "TIMEOUT")
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.seedPlatform(workflow.SurfaceREST)

	def := mlDefinition()
	_, err := h.admin.CreateDefinition(context.Background(), def)
	require.NoError(t, err)

	// data-prep stalls so the workflow stays running.
	h.startAgent("data-prep", agentrt.ExecutorFunc(func(ctx context.Context, _ *envelope.AgentEnvelope) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h.startAgent("trainer", okExecutor(`{}`))
	h.startAgent("evaluator", okExecutor(`{}`))

	w, err := h.workflows.Create(context.Background(), service.CreateWorkflowRequest{
		Type:        "ml-pipeline",
		PlatformID:  "plat-1",
		SurfaceType: "REST",
	})
	require.NoError(t, err)

	cancelled, err := h.workflows.Cancel(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, cancelled.Status)

	// Cancelling again is rejected.
	_, err = h.workflows.Cancel(context.Background(), w.ID)
	assert.ErrorIs(t, err, engine.ErrWorkflowTerminal)
}
