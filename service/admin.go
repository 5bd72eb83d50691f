package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/surface"
	"github.com/forgeline/forgeline/workflow"
)

// AdminService manages platforms, workflow definitions and surface bindings.
// Every mutation invalidates the affected router or gate cache entry so
// changes take effect immediately.
type AdminService struct {
	store  store.Store
	router *router.Router
	gate   *surface.Gate
	logger *slog.Logger
}

// NewAdminService creates the management service.
func NewAdminService(st store.Store, rt *router.Router, gate *surface.Gate, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{store: st, router: rt, gate: gate, logger: logger}
}

// CreatePlatform registers a platform.
func (s *AdminService) CreatePlatform(ctx context.Context, p *workflow.Platform) (*workflow.Platform, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("platform name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Active = true
	if err := s.store.CreatePlatform(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("platform created", "platform_id", p.ID, "name", p.Name)
	return p, nil
}

// ListPlatforms returns all platforms.
func (s *AdminService) ListPlatforms(ctx context.Context) ([]*workflow.Platform, error) {
	return s.store.ListPlatforms(ctx)
}

// CreateDefinition validates and persists a workflow definition.
func (s *AdminService) CreateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error) {
	if d.PlatformID == "" {
		return nil, fmt.Errorf("platform_id is required")
	}
	if _, err := s.store.GetPlatform(ctx, d.PlatformID); err != nil {
		return nil, fmt.Errorf("platform %s: %w", d.PlatformID, err)
	}
	if err := router.ValidateDefinition(d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Enabled = true
	if err := s.store.CreateDefinition(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("definition created",
		"definition_id", d.ID, "platform_id", d.PlatformID,
		"name", d.Name, "stages", len(d.Stages))
	return d, nil
}

// GetDefinition returns one definition.
func (s *AdminService) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// ListDefinitions returns a platform's definitions.
func (s *AdminService) ListDefinitions(ctx context.Context, platformID string, enabledOnly bool) ([]*workflow.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, platformID, enabledOnly)
}

// UpdateDefinition validates and replaces a definition's stage graph.
// Running workflows pick up the new graph at their next routing decision.
func (s *AdminService) UpdateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error) {
	if err := router.ValidateDefinition(d); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDefinition(ctx, d); err != nil {
		return nil, err
	}
	s.router.Invalidate(d.ID)
	s.logger.Info("definition updated", "definition_id", d.ID, "stages", len(d.Stages))
	return s.store.GetDefinition(ctx, d.ID)
}

// DeleteDefinition removes a definition. Workflows bound to it degrade to
// the legacy fallback.
func (s *AdminService) DeleteDefinition(ctx context.Context, id string) error {
	if err := s.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.router.Invalidate(id)
	s.logger.Info("definition deleted", "definition_id", id)
	return nil
}

// SetDefinitionEnabled toggles a definition.
func (s *AdminService) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetDefinitionEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.router.Invalidate(id)
	s.logger.Info("definition toggled", "definition_id", id, "enabled", enabled)
	return nil
}

// UpsertSurface creates or updates a surface binding.
func (s *AdminService) UpsertSurface(ctx context.Context, b *workflow.PlatformSurface) error {
	if _, err := workflow.ParseSurfaceType(string(b.SurfaceType)); err != nil {
		return err
	}
	if _, err := s.store.GetPlatform(ctx, b.PlatformID); err != nil {
		return fmt.Errorf("platform %s: %w", b.PlatformID, err)
	}
	if err := s.store.UpsertSurface(ctx, b); err != nil {
		return err
	}
	s.gate.Invalidate(b.PlatformID, b.SurfaceType)
	s.logger.Info("surface binding upserted",
		"platform_id", b.PlatformID, "surface_type", b.SurfaceType, "enabled", b.Enabled)
	return nil
}

// ListSurfaces returns a platform's surface bindings.
func (s *AdminService) ListSurfaces(ctx context.Context, platformID string) ([]*workflow.PlatformSurface, error) {
	return s.store.ListSurfaces(ctx, platformID)
}
