// Package registry tracks running agent executors by free-text type. Dispatch
// consults it to fail fast when no live agent can serve a stage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/workflow"
)

// ErrAgentUnavailable is returned when no live agent of the requested type is
// registered.
var ErrAgentUnavailable = errors.New("no agent available for type")

const (
	// DefaultLivenessWindow is how stale a heartbeat may be before the agent
	// no longer counts as live.
	DefaultLivenessWindow = 90 * time.Second
)

// Registry is the agent registry. Agent types are unbounded free text; the
// registry never validates them against a fixed set.
type Registry struct {
	agents         store.AgentStore
	livenessWindow time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessWindow overrides the heartbeat staleness cutoff.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Registry) { r.livenessWindow = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given agent store.
func New(agents store.AgentStore, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		agents:         agents,
		livenessWindow: DefaultLivenessWindow,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or refreshes an agent entry and stamps its heartbeat.
func (r *Registry) Register(ctx context.Context, a *workflow.Agent) error {
	if a.AgentID == "" {
		return fmt.Errorf("register agent: agent_id is required")
	}
	if a.Type == "" {
		return fmt.Errorf("register agent: agent_type is required")
	}
	if a.Status == "" {
		a.Status = workflow.AgentOnline
	}
	a.LastHeartbeat = r.now()
	if err := r.agents.UpsertAgent(ctx, a); err != nil {
		return fmt.Errorf("register agent %s: %w", a.AgentID, err)
	}
	r.logger.Info("agent registered", "agent_id", a.AgentID, "agent_type", a.Type)
	return nil
}

// Heartbeat refreshes an agent's liveness stamp.
func (r *Registry) Heartbeat(ctx context.Context, a *workflow.Agent) error {
	a.LastHeartbeat = r.now()
	if a.Status == "" {
		a.Status = workflow.AgentOnline
	}
	if err := r.agents.UpsertAgent(ctx, a); err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", a.AgentID, err)
	}
	return nil
}

// Deregister removes an agent entry. Missing entries are not an error; the
// agent may have been reaped already.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	err := r.agents.RemoveAgent(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deregister agent %s: %w", agentID, err)
	}
	r.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// ValidateAgentExists returns nil when at least one live agent of the type is
// registered, ErrAgentUnavailable otherwise.
func (r *Registry) ValidateAgentExists(ctx context.Context, agentType string) error {
	agents, err := r.agents.ListAgentsByType(ctx, agentType)
	if err != nil {
		return fmt.Errorf("list agents for type %s: %w", agentType, err)
	}
	cutoff := r.now().Add(-r.livenessWindow)
	for _, a := range agents {
		if a.Status == workflow.AgentOffline {
			continue
		}
		if a.LastHeartbeat.Before(cutoff) {
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAgentUnavailable, agentType)
}

// LiveAgents returns the live entries for a type, for diagnostics.
func (r *Registry) LiveAgents(ctx context.Context, agentType string) ([]*workflow.Agent, error) {
	agents, err := r.agents.ListAgentsByType(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("list agents for type %s: %w", agentType, err)
	}
	cutoff := r.now().Add(-r.livenessWindow)
	live := make([]*workflow.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status != workflow.AgentOffline && !a.LastHeartbeat.Before(cutoff) {
			live = append(live, a)
		}
	}
	return live, nil
}
