// Package surface gates workflow ingress on the per-platform surface
// allow-list. A workflow arriving with a platform id and surface type is
// admitted only when that binding exists and is enabled.
package surface

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

// ErrSurfaceNotBound is returned when a platform has no enabled binding for
// the requesting surface type.
var ErrSurfaceNotBound = errors.New("surface not bound for platform")

// DefaultCacheTTL bounds how long a cached allow-list entry is served.
const DefaultCacheTTL = 30 * time.Second

// Gate checks surface bindings with a small TTL cache in front of the store.
type Gate struct {
	surfaces store.SurfaceStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithCacheTTL overrides the allow-list cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(g *Gate) { g.ttl = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate over the given surface store.
func New(surfaces store.SurfaceStore, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		surfaces: surfaces,
		ttl:      DefaultCacheTTL,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func cacheKey(platformID string, surfaceType workflow.SurfaceType) string {
	return platformID + "|" + string(surfaceType)
}

// Admit returns nil when the platform admits the surface type. Workflows with
// no platform binding bypass the gate entirely.
func (g *Gate) Admit(ctx context.Context, platformID string, surfaceType workflow.SurfaceType) error {
	if platformID == "" {
		return nil
	}
	if surfaceType == "" {
		return fmt.Errorf("%w: platform %s, surface type missing", ErrSurfaceNotBound, platformID)
	}

	key := cacheKey(platformID, surfaceType)
	g.mu.Lock()
	if e, ok := g.cache[key]; ok && g.now().Before(e.expiresAt) {
		g.mu.Unlock()
		if !e.allowed {
			return fmt.Errorf("%w: platform %s, surface %s", ErrSurfaceNotBound, platformID, surfaceType)
		}
		return nil
	}
	g.mu.Unlock()

	binding, err := g.surfaces.GetSurface(ctx, platformID, surfaceType)
	allowed := false
	switch {
	case err == nil:
		allowed = binding.Enabled
	case errors.Is(err, store.ErrNotFound):
		allowed = false
	default:
		return fmt.Errorf("check surface binding: %w", err)
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{allowed: allowed, expiresAt: g.now().Add(g.ttl)}
	g.mu.Unlock()

	if !allowed {
		return fmt.Errorf("%w: platform %s, surface %s", ErrSurfaceNotBound, platformID, surfaceType)
	}
	return nil
}

// Invalidate drops one cached binding. Called on surface mutation so the gate
// reflects the change immediately instead of after TTL expiry.
func (g *Gate) Invalidate(platformID string, surfaceType workflow.SurfaceType) {
	g.mu.Lock()
	delete(g.cache, cacheKey(platformID, surfaceType))
	g.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (g *Gate) InvalidateAll() {
	g.mu.Lock()
	g.cache = make(map[string]cacheEntry)
	g.mu.Unlock()
}
