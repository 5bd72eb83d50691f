package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/workflow"
)

func newWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:            id,
		Name:          "demo",
		Type:          "app",
		Status:        workflow.StatusInitiated,
		TraceID:       "trace-" + id,
		CurrentSpanID: "span-" + id,
	}
}

func newTask(taskID, messageID, workflowID, stage string) *workflow.AgentTask {
	return &workflow.AgentTask{
		TaskID:     taskID,
		MessageID:  messageID,
		WorkflowID: workflowID,
		Stage:      stage,
		AgentType:  stage,
		Status:     workflow.TaskPending,
		Priority:   "medium",
		Envelope:   []byte(`{}`),
		TimeoutMS:  300000,
		TraceID:    "trace",
		SpanID:     "span",
	}
}

func TestWorkflowCAS(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()

	w := newWorkflow("wf-1")
	require.NoError(t, ms.CreateWorkflow(ctx, w))
	assert.Equal(t, int64(1), w.Version)

	// Two readers load version 1.
	a, err := ms.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	b, err := ms.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	a.Status = workflow.StatusRunning
	require.NoError(t, ms.UpdateWorkflow(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The second writer holds a stale version and must conflict.
	b.Status = workflow.StatusCancelled
	err = ms.UpdateWorkflow(ctx, b)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The stored workflow reflects only the first write.
	stored, err := ms.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestWorkflowNotFound(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = ms.UpdateWorkflow(context.Background(), newWorkflow("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateWorkflowDuplicate(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))
	assert.ErrorIs(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")), ErrDuplicate)
}

func TestGetWorkflowReturnsClone(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))

	a, err := ms.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	a.Name = "mutated"

	b, err := ms.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", b.Name)
}

func TestTaskMessageIDIdempotency(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))

	require.NoError(t, ms.CreateTask(ctx, newTask("task-1", "msg-1", "wf-1", "initialization")))

	// Replaying the same message id is rejected even with a fresh task id.
	err := ms.CreateTask(ctx, newTask("task-2", "msg-1", "wf-1", "scaffolding"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSingleActiveTaskPerStage(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))

	require.NoError(t, ms.CreateTask(ctx, newTask("task-1", "msg-1", "wf-1", "initialization")))
	err := ms.CreateTask(ctx, newTask("task-2", "msg-2", "wf-1", "initialization"))
	assert.ErrorIs(t, err, ErrActiveTaskExists)

	// Once the first task is terminal, the stage frees up.
	require.NoError(t, ms.UpdateTaskStatus(ctx, "task-1", workflow.TaskFailed))
	assert.NoError(t, ms.CreateTask(ctx, newTask("task-2", "msg-2", "wf-1", "initialization")))
}

func TestTerminalTaskIsImmutable(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))
	require.NoError(t, ms.CreateTask(ctx, newTask("task-1", "msg-1", "wf-1", "initialization")))
	require.NoError(t, ms.UpdateTaskStatus(ctx, "task-1", workflow.TaskSucceeded))

	err := ms.UpdateTaskStatus(ctx, "task-1", workflow.TaskRunning)
	assert.Error(t, err)

	task, err := ms.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskSucceeded, task.Status)
	assert.NotNil(t, task.CompletedAt)
}

func TestListTasksByStatus(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWorkflow(ctx, newWorkflow("wf-1")))
	require.NoError(t, ms.CreateTask(ctx, newTask("task-1", "msg-1", "wf-1", "initialization")))

	tasks, err := ms.ListTasksByStatus(ctx, workflow.TaskPending, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].TaskID)

	// A cutoff in the past excludes fresh rows.
	tasks, err = ms.ListTasksByStatus(ctx, workflow.TaskPending, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSurfaceStoreKeying(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreatePlatform(ctx, &workflow.Platform{ID: "plat-1", Name: "demo"}))

	binding := &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: workflow.SurfaceREST,
		Enabled:     true,
	}
	require.NoError(t, ms.UpsertSurface(ctx, binding))

	got, err := ms.GetSurface(ctx, "plat-1", workflow.SurfaceREST)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	_, err = ms.GetSurface(ctx, "plat-1", workflow.SurfaceCLI)
	assert.ErrorIs(t, err, ErrNotFound)

	// Upsert replaces in place.
	binding.Enabled = false
	require.NoError(t, ms.UpsertSurface(ctx, binding))
	got, err = ms.GetSurface(ctx, "plat-1", workflow.SurfaceREST)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDefinitionVersionBump(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreatePlatform(ctx, &workflow.Platform{ID: "plat-1", Name: "demo"}))

	def := &workflow.WorkflowDefinition{
		ID:         "def-1",
		PlatformID: "plat-1",
		Name:       "pipeline",
		Enabled:    true,
		Stages: []workflow.StageDefinition{
			{Name: "only", AgentType: "solo", OnSuccess: workflow.RouteEnd},
		},
	}
	require.NoError(t, ms.CreateDefinition(ctx, def))
	assert.Equal(t, 1, def.Version)

	def.Stages[0].AgentType = "duo"
	require.NoError(t, ms.UpdateDefinition(ctx, def))

	got, err := ms.GetDefinition(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "duo", got.Stages[0].AgentType)
}

func TestEventsAppendInOrder(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()

	for _, typ := range []string{workflow.EventWorkflowCreated, workflow.EventStageStarted, workflow.EventStageCompleted} {
		require.NoError(t, ms.AppendEvent(ctx, &workflow.Event{WorkflowID: "wf-1", Type: typ}))
	}
	events, err := ms.ListEvents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, workflow.EventWorkflowCreated, events[0].Type)
	assert.Equal(t, workflow.EventStageCompleted, events[2].Type)
	assert.Less(t, events[0].ID, events[2].ID)
}
