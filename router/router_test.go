package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/workflow"
)

func mlDefinition() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		ID:         "def-ml",
		PlatformID: "plat-1",
		Name:       "ml-pipeline",
		Enabled:    true,
		Stages: []workflow.StageDefinition{
			{Name: "prepare", AgentType: "data-prep", Weight: 30, OnSuccess: "train", OnFailure: workflow.RouteEnd},
			{Name: "train", AgentType: "trainer", Weight: 50, OnSuccess: "evaluate", OnFailure: workflow.RouteSkip},
			{Name: "evaluate", AgentType: "evaluator", Weight: 20, OnSuccess: workflow.RouteEnd, OnFailure: workflow.RouteEnd},
		},
	}
}

func seedRouter(t *testing.T) (*Router, *store.MemStore) {
	t.Helper()
	ms := store.NewMemStore()
	require.NoError(t, ms.CreatePlatform(context.Background(), &workflow.Platform{ID: "plat-1", Name: "demo"}))
	require.NoError(t, ms.CreateDefinition(context.Background(), mlDefinition()))
	return New(ms, nil), ms
}

func TestResolveDefinitionRoute(t *testing.T) {
	r, _ := seedRouter(t)
	w := &workflow.Workflow{ID: "wf-1", Type: "ml-pipeline", DefinitionID: "def-ml"}

	route, err := r.Resolve(context.Background(), w)
	require.NoError(t, err)
	assert.False(t, route.IsFallback())
	assert.Equal(t, "def-ml", route.DefinitionID())

	first, agentType, err := route.First()
	require.NoError(t, err)
	assert.Equal(t, "prepare", first)
	assert.Equal(t, "data-prep", agentType)
}

func TestResolveMissingDefinitionFallsBack(t *testing.T) {
	r, _ := seedRouter(t)
	w := &workflow.Workflow{ID: "wf-1", Type: "app", DefinitionID: "gone"}

	route, err := r.Resolve(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, route.IsFallback())

	first, agentType, err := route.First()
	require.NoError(t, err)
	assert.Equal(t, "initialization", first)
	assert.Equal(t, "initialization", agentType)
}

func TestResolveDisabledDefinitionFallsBack(t *testing.T) {
	r, ms := seedRouter(t)
	require.NoError(t, ms.SetDefinitionEnabled(context.Background(), "def-ml", false))

	route, err := r.Resolve(context.Background(), &workflow.Workflow{ID: "wf", Type: "app", DefinitionID: "def-ml"})
	require.NoError(t, err)
	assert.True(t, route.IsFallback())
}

func TestResolveForCreateMatchesByName(t *testing.T) {
	r, _ := seedRouter(t)

	route, err := r.ResolveForCreate(context.Background(), "plat-1", "ml-pipeline")
	require.NoError(t, err)
	assert.False(t, route.IsFallback())

	route, err = r.ResolveForCreate(context.Background(), "plat-1", "app")
	require.NoError(t, err)
	assert.True(t, route.IsFallback())

	route, err = r.ResolveForCreate(context.Background(), "", "bugfix")
	require.NoError(t, err)
	assert.True(t, route.IsFallback())
}

func TestNextStageDefinition(t *testing.T) {
	route := &Route{definition: mlDefinition()}

	tests := []struct {
		name       string
		stage      string
		success    bool
		wantNext   string
		wantAgent  string
		wantSkip   bool
		wantTermin bool
	}{
		{name: "success advances", stage: "prepare", success: true, wantNext: "train", wantAgent: "trainer"},
		{name: "failure at first stage ends", stage: "prepare", success: false, wantNext: workflow.RouteEnd, wantTermin: true},
		{name: "failure skips to list successor", stage: "train", success: false, wantNext: "evaluate", wantAgent: "evaluator", wantSkip: true},
		{name: "success at last stage ends", stage: "evaluate", success: true, wantNext: workflow.RouteEnd, wantTermin: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := route.NextStage(tt.stage, tt.success)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, d.Next)
			assert.Equal(t, tt.wantAgent, d.AgentType)
			assert.Equal(t, tt.wantSkip, d.Skipped)
			assert.Equal(t, tt.wantTermin, d.Terminal())
		})
	}

	_, err := route.NextStage("unknown", true)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
}

func TestSkipAtLastStageEnds(t *testing.T) {
	def := mlDefinition()
	def.Stages[2].OnFailure = workflow.RouteSkip
	route := &Route{definition: def}

	d, err := route.NextStage("evaluate", false)
	require.NoError(t, err)
	assert.True(t, d.Terminal())
	assert.True(t, d.Skipped)
}

func TestNextStageFallback(t *testing.T) {
	route := &Route{fallback: workflow.LegacySequence("app")}

	d, err := route.NextStage("initialization", true)
	require.NoError(t, err)
	assert.Equal(t, "scaffolding", d.Next)
	assert.Equal(t, "scaffolding", d.AgentType)

	d, err = route.NextStage("deployment", true)
	require.NoError(t, err)
	assert.True(t, d.Terminal())

	// Legacy sequences have no failure routing: any failure terminates.
	d, err = route.NextStage("scaffolding", false)
	require.NoError(t, err)
	assert.True(t, d.Terminal())
	assert.False(t, d.Skipped)
}

func TestProgressWeights(t *testing.T) {
	route := &Route{definition: mlDefinition()}
	assert.Equal(t, 30, route.Progress("prepare"))
	assert.Equal(t, 80, route.Progress("train"))
	assert.Equal(t, 100, route.Progress("evaluate"))
	assert.Equal(t, 0, route.Progress("unknown"))
}

func TestProgressWeightsClampedAt100(t *testing.T) {
	def := mlDefinition()
	def.Stages[0].Weight = 60
	def.Stages[1].Weight = 100
	def.Stages[2].Weight = 40
	route := &Route{definition: def}
	// Raw cumulative weights, clamped once the sum passes 100.
	assert.Equal(t, 60, route.Progress("prepare"))
	assert.Equal(t, 100, route.Progress("train"))
	assert.Equal(t, 100, route.Progress("evaluate"))
}

func TestProgressWeightsUnderHundredStayRaw(t *testing.T) {
	def := mlDefinition()
	def.Stages[0].Weight = 10
	def.Stages[1].Weight = 20
	def.Stages[2].Weight = 30
	route := &Route{definition: def}
	// Weights summing below 100 are never inflated mid-run.
	assert.Equal(t, 10, route.Progress("prepare"))
	assert.Equal(t, 30, route.Progress("train"))
	assert.Equal(t, 60, route.Progress("evaluate"))
}

func TestProgressFallbackUniform(t *testing.T) {
	route := &Route{fallback: workflow.LegacySequence("app")}
	assert.Equal(t, 16, route.Progress("initialization"))
	assert.Equal(t, 33, route.Progress("scaffolding"))
	assert.Equal(t, 83, route.Progress("integration"))
	// The final stage always lands exactly on 100.
	assert.Equal(t, 100, route.Progress("deployment"))
}

func TestProgressZeroWeightsFallUniform(t *testing.T) {
	def := mlDefinition()
	for i := range def.Stages {
		def.Stages[i].Weight = 0
	}
	route := &Route{definition: def}
	assert.Equal(t, 33, route.Progress("prepare"))
	assert.Equal(t, 100, route.Progress("evaluate"))
}

func TestCacheInvalidation(t *testing.T) {
	r, ms := seedRouter(t)
	ctx := context.Background()
	w := &workflow.Workflow{ID: "wf", Type: "ml-pipeline", DefinitionID: "def-ml"}

	route, err := r.Resolve(ctx, w)
	require.NoError(t, err)
	first, _, err := route.First()
	require.NoError(t, err)
	require.Equal(t, "prepare", first)

	updated := mlDefinition()
	updated.Stages[0].Name = "ingest"
	updated.Stages[0].OnSuccess = "train"
	require.NoError(t, ms.UpdateDefinition(ctx, updated))

	// Still served from cache.
	route, err = r.Resolve(ctx, w)
	require.NoError(t, err)
	first, _, err = route.First()
	require.NoError(t, err)
	assert.Equal(t, "prepare", first)

	r.Invalidate("def-ml")
	route, err = r.Resolve(ctx, w)
	require.NoError(t, err)
	first, _, err = route.First()
	require.NoError(t, err)
	assert.Equal(t, "ingest", first)
}

func TestValidateDefinitionWrapsSentinel(t *testing.T) {
	d := mlDefinition()
	d.Stages[0].OnSuccess = "missing"
	err := ValidateDefinition(d)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
}
