package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeline/forgeline/workflow"
)

// MemStore is an in-memory Store used by tests and the embedded demo mode.
// It preserves the port's invariants: CAS-guarded workflow writes,
// message_id idempotency, and the one-non-terminal-task-per-stage rule.
type MemStore struct {
	mu          sync.Mutex
	workflows   map[string]*workflow.Workflow
	tasks       map[string]*workflow.AgentTask
	byMessageID map[string]string
	platforms   map[string]*workflow.Platform
	definitions map[string]*workflow.WorkflowDefinition
	surfaces    map[string]*workflow.PlatformSurface
	agents      map[string]*workflow.Agent
	events      []*workflow.Event
	nextEventID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]*workflow.Workflow),
		tasks:       make(map[string]*workflow.AgentTask),
		byMessageID: make(map[string]string),
		platforms:   make(map[string]*workflow.Platform),
		definitions: make(map[string]*workflow.WorkflowDefinition),
		surfaces:    make(map[string]*workflow.PlatformSurface),
		agents:      make(map[string]*workflow.Agent),
	}
}

var _ Store = (*MemStore)(nil)

// clone deep-copies an entity so callers never alias stored state.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memstore clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memstore clone: %v", err))
	}
	return out
}

func surfaceKey(platformID string, t workflow.SurfaceType) string {
	return platformID + "/" + string(t)
}

// CreateWorkflow stores a new workflow at version 1.
func (m *MemStore) CreateWorkflow(_ context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	w.Version = 1
	w.CreatedAt = now
	w.UpdatedAt = now
	m.workflows[w.ID] = clone(w)
	return nil
}

// GetWorkflow returns a copy of the stored workflow.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

// UpdateWorkflow applies a CAS write keyed on Version.
func (m *MemStore) UpdateWorkflow(_ context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflows[w.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != w.Version {
		return ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	m.workflows[w.ID] = clone(w)
	return nil
}

// ListWorkflows returns workflows in the given status, newest first.
func (m *MemStore) ListWorkflows(_ context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Workflow
	for _, w := range m.workflows {
		if status == "" || w.Status == status {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateTask enforces message_id idempotency and the single-active-task rule.
func (m *MemStore) CreateTask(_ context.Context, t *workflow.AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byMessageID[t.MessageID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.tasks[t.TaskID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.tasks {
		if existing.WorkflowID == t.WorkflowID && existing.Stage == t.Stage && !existing.Status.Terminal() {
			return ErrActiveTaskExists
		}
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.TaskID] = clone(t)
	m.byMessageID[t.MessageID] = t.TaskID
	return nil
}

// GetTask returns a copy of the stored task.
func (m *MemStore) GetTask(_ context.Context, taskID string) (*workflow.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

// GetTaskByMessageID looks a task up by its envelope message id.
func (m *MemStore) GetTaskByMessageID(_ context.Context, messageID string) (*workflow.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.byMessageID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.tasks[taskID]), nil
}

// UpdateTaskStatus moves a task through its lifecycle. Terminal statuses are
// final: further updates are rejected.
func (m *MemStore) UpdateTaskStatus(_ context.Context, taskID string, status workflow.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already terminal (%s)", taskID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case workflow.TaskDispatched:
		t.DispatchedAt = &now
	case workflow.TaskSucceeded, workflow.TaskFailed:
		t.CompletedAt = &now
	}
	return nil
}

// ListTasksByStatus returns tasks in a status updated before the cutoff.
func (m *MemStore) ListTasksByStatus(_ context.Context, status workflow.TaskStatus, before time.Time, limit int) ([]*workflow.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.AgentTask
	for _, t := range m.tasks {
		if t.Status == status && t.UpdatedAt.Before(before) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePlatform stores a new platform.
func (m *MemStore) CreatePlatform(_ context.Context, p *workflow.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.platforms[p.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.platforms[p.ID] = clone(p)
	return nil
}

// GetPlatform returns a platform by id.
func (m *MemStore) GetPlatform(_ context.Context, id string) (*workflow.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.platforms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

// ListPlatforms returns all platforms.
func (m *MemStore) ListPlatforms(_ context.Context) ([]*workflow.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.Platform, 0, len(m.platforms))
	for _, p := range m.platforms {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateDefinition stores a definition at version 1.
func (m *MemStore) CreateDefinition(_ context.Context, d *workflow.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[d.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	m.definitions[d.ID] = clone(d)
	return nil
}

// GetDefinition returns a definition by id.
func (m *MemStore) GetDefinition(_ context.Context, id string) (*workflow.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

// ListDefinitions returns a platform's definitions.
func (m *MemStore) ListDefinitions(_ context.Context, platformID string, enabledOnly bool) ([]*workflow.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.WorkflowDefinition
	for _, d := range m.definitions {
		if d.PlatformID != platformID {
			continue
		}
		if enabledOnly && !d.Enabled {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateDefinition replaces the stage graph and bumps the version.
func (m *MemStore) UpdateDefinition(_ context.Context, d *workflow.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.definitions[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.Version = stored.Version + 1
	d.CreatedAt = stored.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	m.definitions[d.ID] = clone(d)
	return nil
}

// DeleteDefinition removes a definition.
func (m *MemStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return ErrNotFound
	}
	delete(m.definitions, id)
	return nil
}

// SetDefinitionEnabled toggles a definition.
func (m *MemStore) SetDefinitionEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	d.Enabled = enabled
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertSurface creates or replaces a surface binding.
func (m *MemStore) UpsertSurface(_ context.Context, s *workflow.PlatformSurface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := surfaceKey(s.PlatformID, s.SurfaceType)
	now := time.Now().UTC()
	if existing, ok := m.surfaces[key]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.surfaces[key] = clone(s)
	return nil
}

// GetSurface returns the unique (platform, surface_type) binding.
func (m *MemStore) GetSurface(_ context.Context, platformID string, surfaceType workflow.SurfaceType) (*workflow.PlatformSurface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[surfaceKey(platformID, surfaceType)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ListSurfaces returns a platform's surface bindings.
func (m *MemStore) ListSurfaces(_ context.Context, platformID string) ([]*workflow.PlatformSurface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.PlatformSurface
	for _, s := range m.surfaces {
		if s.PlatformID == platformID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SurfaceType < out[j].SurfaceType })
	return out, nil
}

// UpsertAgent registers an agent or refreshes its heartbeat.
func (m *MemStore) UpsertAgent(_ context.Context, a *workflow.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[a.AgentID]; ok {
		a.RegisteredAt = existing.RegisteredAt
	} else if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	m.agents[a.AgentID] = clone(a)
	return nil
}

// ListAgentsByType returns all agents of a type.
func (m *MemStore) ListAgentsByType(_ context.Context, agentType string) ([]*workflow.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Agent
	for _, a := range m.agents {
		if a.Type == agentType {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// RemoveAgent deletes a registry entry.
func (m *MemStore) RemoveAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.agents, agentID)
	return nil
}

// AppendEvent records an audit event.
func (m *MemStore) AppendEvent(_ context.Context, e *workflow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, clone(e))
	return nil
}

// ListEvents returns a workflow's audit trail in append order.
func (m *MemStore) ListEvents(_ context.Context, workflowID string) ([]*workflow.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Event
	for _, e := range m.events {
		if e.WorkflowID == workflowID {
			out = append(out, clone(e))
		}
	}
	return out, nil
}
