// Package service is the ingress layer: workflow creation behind the surface
// gate, plus the platform, definition and surface management API.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/engine"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/surface"
	"github.com/forgeline/forgeline/workflow"
)

// CreateWorkflowRequest is the ingress payload for starting a workflow.
type CreateWorkflowRequest struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	PlatformID    string          `json:"platform_id,omitempty"`
	SurfaceType   string          `json:"surface_type,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	EntryMetadata json.RawMessage `json:"entry_metadata,omitempty"`
}

// WorkflowService creates, cancels and reads workflows. Creation runs the
// full admission pipeline: surface gate, route resolution, pre-execution
// agent validation, persistence, first dispatch.
type WorkflowService struct {
	store    store.Store
	gate     *surface.Gate
	router   *router.Router
	registry *registry.Registry
	engine   *engine.Engine
	logger   *slog.Logger
}

// NewWorkflowService wires the admission pipeline.
func NewWorkflowService(st store.Store, gate *surface.Gate, rt *router.Router, reg *registry.Registry, eng *engine.Engine, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		store:    st,
		gate:     gate,
		router:   rt,
		registry: reg,
		engine:   eng,
		logger:   logger,
	}
}

// Create admits and starts a workflow. Every agent type the route can reach
// is validated against the registry before anything is persisted, so a
// workflow never starts into a graph it cannot finish.
func (s *WorkflowService) Create(ctx context.Context, req CreateWorkflowRequest) (*workflow.Workflow, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("workflow type is required")
	}
	if req.Name == "" {
		req.Name = req.Type
	}

	var surfaceType workflow.SurfaceType
	if req.PlatformID != "" {
		if _, err := s.store.GetPlatform(ctx, req.PlatformID); err != nil {
			return nil, fmt.Errorf("platform %s: %w", req.PlatformID, err)
		}
		st, err := workflow.ParseSurfaceType(req.SurfaceType)
		if err != nil {
			return nil, err
		}
		surfaceType = st
	}
	if err := s.gate.Admit(ctx, req.PlatformID, surfaceType); err != nil {
		return nil, err
	}

	route, err := s.router.ResolveForCreate(ctx, req.PlatformID, req.Type)
	if err != nil {
		return nil, err
	}
	for _, agentType := range route.AgentTypes() {
		if err := s.registry.ValidateAgentExists(ctx, agentType); err != nil {
			return nil, err
		}
	}

	w := &workflow.Workflow{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Type:          req.Type,
		PlatformID:    req.PlatformID,
		DefinitionID:  route.DefinitionID(),
		Status:        workflow.StatusInitiated,
		CreatedBy:     req.CreatedBy,
		TraceID:       uuid.New().String(),
		CurrentSpanID: uuid.New().String(),
		InputData:     workflow.InputData{Payload: req.Payload},
	}
	if req.PlatformID != "" {
		w.InputData.SurfaceContext = &workflow.SurfaceContext{
			SurfaceID:     uuid.New().String(),
			SurfaceType:   surfaceType,
			PlatformID:    req.PlatformID,
			EntryMetadata: req.EntryMetadata,
		}
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	s.logger.Info("workflow created",
		"workflow_id", w.ID, "type", w.Type,
		"platform_id", w.PlatformID, "fallback", route.IsFallback())

	if err := s.engine.Begin(ctx, w, route); err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", w.ID, err)
	}
	return w, nil
}

// Cancel cancels a non-terminal workflow.
func (s *WorkflowService) Cancel(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	return s.engine.Cancel(ctx, workflowID)
}

// Get returns one workflow.
func (s *WorkflowService) Get(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	return s.store.GetWorkflow(ctx, workflowID)
}

// List returns workflows, optionally filtered by status.
func (s *WorkflowService) List(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error) {
	return s.store.ListWorkflows(ctx, status, limit)
}

// Events returns a workflow's audit trail.
func (s *WorkflowService) Events(ctx context.Context, workflowID string) ([]*workflow.Event, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, workflowID)
}
