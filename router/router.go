// Package router resolves which stage a workflow runs next. Platforms route
// through versioned workflow definitions; workflows without a resolvable
// definition fall back to the hard-coded legacy sequences.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/workflow"
)

// ErrDefinitionInvalid is returned when a workflow definition fails structural
// validation.
var ErrDefinitionInvalid = errors.New("workflow definition invalid")

// DefaultCacheTTL bounds how long a cached definition is served before being
// re-read from the store.
const DefaultCacheTTL = 30 * time.Second

// Router resolves routes and caches definitions.
type Router struct {
	definitions store.DefinitionStore
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	def       *workflow.WorkflowDefinition
	expiresAt time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithCacheTTL overrides the definition cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Router) { r.ttl = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router over the given definition store.
func New(definitions store.DefinitionStore, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		definitions: definitions,
		ttl:         DefaultCacheTTL,
		logger:      logger,
		now:         time.Now,
		cache:       make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invalidate drops one definition from the cache. Called on definition
// mutation so routing picks up the new version immediately.
func (r *Router) Invalidate(definitionID string) {
	r.mu.Lock()
	delete(r.cache, definitionID)
	r.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Router) definition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	r.mu.Lock()
	if e, ok := r.cache[id]; ok && r.now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.def, nil
	}
	r.mu.Unlock()

	def, err := r.definitions.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = cacheEntry{def: def, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return def, nil
}

// Resolve returns the route for an existing workflow. A workflow bound to a
// definition routes through it; a missing or disabled definition degrades to
// the legacy fallback for the workflow type rather than wedging the workflow.
func (r *Router) Resolve(ctx context.Context, w *workflow.Workflow) (*Route, error) {
	if w.DefinitionID != "" {
		def, err := r.definition(ctx, w.DefinitionID)
		switch {
		case err == nil && def.Enabled:
			return &Route{definition: def}, nil
		case err == nil:
			r.logger.Warn("definition disabled, using legacy fallback",
				"workflow_id", w.ID, "definition_id", w.DefinitionID)
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("definition not found, using legacy fallback",
				"workflow_id", w.ID, "definition_id", w.DefinitionID)
		default:
			return nil, fmt.Errorf("resolve definition %s: %w", w.DefinitionID, err)
		}
	}
	return &Route{fallback: workflow.LegacySequence(w.Type)}, nil
}

// ResolveForCreate picks the route for a new workflow. When the platform has
// an enabled definition whose name matches the workflow type it wins;
// otherwise the legacy sequence for the type applies.
func (r *Router) ResolveForCreate(ctx context.Context, platformID, workflowType string) (*Route, error) {
	if platformID != "" {
		defs, err := r.definitions.ListDefinitions(ctx, platformID, true)
		if err != nil {
			return nil, fmt.Errorf("list definitions for platform %s: %w", platformID, err)
		}
		for _, def := range defs {
			if def.Name == workflowType {
				return &Route{definition: def}, nil
			}
		}
	}
	return &Route{fallback: workflow.LegacySequence(workflowType)}, nil
}

// ValidateDefinition runs structural validation, wrapping failures in
// ErrDefinitionInvalid.
func ValidateDefinition(d *workflow.WorkflowDefinition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}
	return nil
}

// Route is a resolved stage sequence for one workflow: either a platform
// definition or a legacy fallback.
type Route struct {
	definition *workflow.WorkflowDefinition
	fallback   []workflow.LegacyStage
}

// IsFallback reports whether the route is a legacy sequence.
func (rt *Route) IsFallback() bool { return rt.definition == nil }

// DefinitionID returns the backing definition id, empty for fallback routes.
func (rt *Route) DefinitionID() string {
	if rt.definition == nil {
		return ""
	}
	return rt.definition.ID
}

// First returns the first stage and its agent type.
func (rt *Route) First() (stage, agentType string, err error) {
	if rt.definition != nil {
		if len(rt.definition.Stages) == 0 {
			return "", "", fmt.Errorf("%w: definition %s has no stages", ErrDefinitionInvalid, rt.definition.ID)
		}
		s := rt.definition.Stages[0]
		return s.Name, s.AgentType, nil
	}
	if len(rt.fallback) == 0 {
		return "", "", fmt.Errorf("%w: empty fallback sequence", ErrDefinitionInvalid)
	}
	return rt.fallback[0].Name, rt.fallback[0].AgentType, nil
}

// Stage returns the agent type, timeout and retry budget for a stage.
// Fallback stages carry no overrides.
func (rt *Route) Stage(name string) (agentType string, timeoutMS, maxRetries int, ok bool) {
	if rt.definition != nil {
		s, found := rt.definition.Stage(name)
		if !found {
			return "", 0, 0, false
		}
		return s.AgentType, s.TimeoutMS, s.MaxRetries, true
	}
	for _, s := range rt.fallback {
		if s.Name == name {
			return s.AgentType, 0, 0, true
		}
	}
	return "", 0, 0, false
}

// AgentTypes returns the distinct agent types the route can dispatch to.
func (rt *Route) AgentTypes() []string {
	if rt.definition != nil {
		return rt.definition.AgentTypes()
	}
	seen := make(map[string]bool, len(rt.fallback))
	var types []string
	for _, s := range rt.fallback {
		if !seen[s.AgentType] {
			seen[s.AgentType] = true
			types = append(types, s.AgentType)
		}
	}
	return types
}

// Decision is the outcome of routing one stage result.
type Decision struct {
	// Next is the next stage name, or workflow.RouteEnd when the workflow
	// terminates.
	Next string
	// AgentType is the next stage's agent type; empty at END.
	AgentType string
	// Skipped reports that a failed stage routed through the skip sentinel
	// and the workflow continues as if the stage had succeeded.
	Skipped bool
}

// Terminal reports whether the decision ends the workflow.
func (d Decision) Terminal() bool { return d.Next == workflow.RouteEnd }

// NextStage routes a finished stage. Definition routes follow on_success /
// on_failure with skip resolved to list order; legacy routes advance in order
// on success and terminate on failure.
func (rt *Route) NextStage(current string, success bool) (Decision, error) {
	if rt.definition != nil {
		return rt.nextFromDefinition(current, success)
	}
	return rt.nextFromFallback(current, success)
}

func (rt *Route) nextFromDefinition(current string, success bool) (Decision, error) {
	s, ok := rt.definition.Stage(current)
	if !ok {
		return Decision{}, fmt.Errorf("%w: stage %q not in definition %s",
			ErrDefinitionInvalid, current, rt.definition.ID)
	}

	target := s.OnFailure
	skipped := false
	if success {
		target = s.OnSuccess
	}
	if target == "" {
		target = workflow.RouteEnd
	}
	if target == workflow.RouteSkip {
		target = rt.definition.StageAfter(current)
		skipped = true
	}
	if target == workflow.RouteEnd {
		return Decision{Next: workflow.RouteEnd, Skipped: skipped}, nil
	}

	next, ok := rt.definition.Stage(target)
	if !ok {
		return Decision{}, fmt.Errorf("%w: routing target %q not in definition %s",
			ErrDefinitionInvalid, target, rt.definition.ID)
	}
	return Decision{Next: next.Name, AgentType: next.AgentType, Skipped: skipped}, nil
}

func (rt *Route) nextFromFallback(current string, success bool) (Decision, error) {
	if !success {
		return Decision{Next: workflow.RouteEnd}, nil
	}
	for i, s := range rt.fallback {
		if s.Name == current {
			if i+1 < len(rt.fallback) {
				next := rt.fallback[i+1]
				return Decision{Next: next.Name, AgentType: next.AgentType}, nil
			}
			return Decision{Next: workflow.RouteEnd}, nil
		}
	}
	return Decision{}, fmt.Errorf("%w: stage %q not in fallback sequence", ErrDefinitionInvalid, current)
}

// Progress returns the workflow progress percentage after the named stage
// completes. Definition routes report the raw cumulative stage weight
// clamped to [0, 100]; fallback routes spread progress uniformly with the
// final stage pinned to 100.
func (rt *Route) Progress(completedStage string) int {
	if rt.definition != nil {
		total := 0
		for _, s := range rt.definition.Stages {
			total += s.Weight
		}
		if total <= 0 {
			return rt.uniformProgress(completedStage, len(rt.definition.Stages), rt.definitionIndex(completedStage))
		}
		cum := 0
		for _, s := range rt.definition.Stages {
			cum += s.Weight
			if s.Name == completedStage {
				if cum > 100 {
					return 100
				}
				if cum < 0 {
					return 0
				}
				return cum
			}
		}
		return 0
	}
	for i, s := range rt.fallback {
		if s.Name == completedStage {
			return rt.uniformProgress(completedStage, len(rt.fallback), i)
		}
	}
	return 0
}

func (rt *Route) definitionIndex(stage string) int {
	for i, s := range rt.definition.Stages {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

func (rt *Route) uniformProgress(stage string, n, index int) int {
	if n <= 0 || index < 0 {
		return 0
	}
	if index == n-1 {
		return 100
	}
	return (index + 1) * 100 / n
}
