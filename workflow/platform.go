package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// SurfaceType identifies an entry channel a platform may admit.
type SurfaceType string

const (
	SurfaceREST      SurfaceType = "REST"
	SurfaceWebhook   SurfaceType = "WEBHOOK"
	SurfaceCLI       SurfaceType = "CLI"
	SurfaceDashboard SurfaceType = "DASHBOARD"
	SurfaceMobileAPI SurfaceType = "MOBILE_API"
)

// ParseSurfaceType validates a surface type string.
func ParseSurfaceType(s string) (SurfaceType, error) {
	switch SurfaceType(s) {
	case SurfaceREST, SurfaceWebhook, SurfaceCLI, SurfaceDashboard, SurfaceMobileAPI:
		return SurfaceType(s), nil
	default:
		return "", fmt.Errorf("unknown surface type: %s", s)
	}
}

// Platform is a logical grouping that owns workflow definitions and surface
// bindings.
type Platform struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Layer     string    `json:"layer,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformSurface is one entry in a platform's surface allow-list. Unique on
// (platform_id, surface_type); absence or Enabled=false means reject.
type PlatformSurface struct {
	PlatformID  string          `json:"platform_id"`
	SurfaceType SurfaceType     `json:"surface_type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
