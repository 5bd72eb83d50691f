// Package store defines the transactional persistence port for workflows,
// tasks, platforms, surfaces, definitions, agents and audit events, plus two
// adapters: Postgres for production and MemStore for tests. Workflow writes
// are compare-and-set guarded by the row version.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/forgeline/forgeline/workflow"
)

// Sentinel errors shared by all adapters.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrVersionConflict is returned by CAS-guarded updates when the row
	// version moved underneath the writer.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a create collides with an existing row
	// (same id or same envelope message_id).
	ErrDuplicate = errors.New("duplicate entity")
	// ErrActiveTaskExists is returned when creating a task while another
	// non-terminal task exists for the same (workflow, stage).
	ErrActiveTaskExists = errors.New("active task exists for workflow stage")
)

// WorkflowStore persists workflow aggregates.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	// UpdateWorkflow writes the row only if w.Version matches the stored
	// version, then increments it. ErrVersionConflict otherwise.
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error
	ListWorkflows(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error)
}

// TaskStore persists agent task records.
type TaskStore interface {
	// CreateTask is idempotent on MessageID: replaying the same envelope
	// returns ErrDuplicate instead of creating a second row. It also
	// enforces at most one non-terminal task per (workflow, stage).
	CreateTask(ctx context.Context, t *workflow.AgentTask) error
	GetTask(ctx context.Context, taskID string) (*workflow.AgentTask, error)
	GetTaskByMessageID(ctx context.Context, messageID string) (*workflow.AgentTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status workflow.TaskStatus) error
	// ListTasksByStatus returns tasks in the given status updated before
	// the cutoff, oldest first. The reapers drive redispatch and timeout
	// synthesis from it.
	ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, before time.Time, limit int) ([]*workflow.AgentTask, error)
}

// PlatformStore persists platforms.
type PlatformStore interface {
	CreatePlatform(ctx context.Context, p *workflow.Platform) error
	GetPlatform(ctx context.Context, id string) (*workflow.Platform, error)
	ListPlatforms(ctx context.Context) ([]*workflow.Platform, error)
}

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, platformID string, enabledOnly bool) ([]*workflow.WorkflowDefinition, error)
	// UpdateDefinition replaces the stage graph and bumps Version.
	UpdateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error
}

// SurfaceStore persists the per-platform surface allow-list.
type SurfaceStore interface {
	UpsertSurface(ctx context.Context, s *workflow.PlatformSurface) error
	GetSurface(ctx context.Context, platformID string, surfaceType workflow.SurfaceType) (*workflow.PlatformSurface, error)
	ListSurfaces(ctx context.Context, platformID string) ([]*workflow.PlatformSurface, error)
}

// AgentStore persists the agent registry.
type AgentStore interface {
	// UpsertAgent registers an agent or refreshes its heartbeat.
	UpsertAgent(ctx context.Context, a *workflow.Agent) error
	ListAgentsByType(ctx context.Context, agentType string) ([]*workflow.Agent, error)
	RemoveAgent(ctx context.Context, agentID string) error
}

// EventStore persists the workflow audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, e *workflow.Event) error
	ListEvents(ctx context.Context, workflowID string) ([]*workflow.Event, error)
}

// Store is the full persistence port.
type Store interface {
	WorkflowStore
	TaskStore
	PlatformStore
	DefinitionStore
	SurfaceStore
	AgentStore
	EventStore
}
