package surface

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/workflow"
)

func seedGate(t *testing.T) (*Gate, *store.MemStore) {
	t.Helper()
	ms := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, ms.CreatePlatform(ctx, &workflow.Platform{ID: "plat-1", Name: "demo"}))
	require.NoError(t, ms.UpsertSurface(ctx, &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: workflow.SurfaceREST,
		Enabled:     true,
	}))
	return New(ms, nil), ms
}

func TestAdmit(t *testing.T) {
	gate, _ := seedGate(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		platformID  string
		surfaceType workflow.SurfaceType
		wantErr     error
	}{
		{name: "bound surface admitted", platformID: "plat-1", surfaceType: workflow.SurfaceREST},
		{name: "unbound surface rejected", platformID: "plat-1", surfaceType: workflow.SurfaceCLI, wantErr: ErrSurfaceNotBound},
		{name: "unknown platform rejected", platformID: "plat-2", surfaceType: workflow.SurfaceREST, wantErr: ErrSurfaceNotBound},
		{name: "no platform bypasses gate", platformID: "", surfaceType: ""},
		{name: "platform without surface type rejected", platformID: "plat-1", surfaceType: "", wantErr: ErrSurfaceNotBound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Admit(ctx, tt.platformID, tt.surfaceType)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDisabledBindingRejected(t *testing.T) {
	gate, ms := seedGate(t)
	ctx := context.Background()

	require.NoError(t, ms.UpsertSurface(ctx, &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: workflow.SurfaceWebhook,
		Enabled:     false,
	}))
	assert.ErrorIs(t, gate.Admit(ctx, "plat-1", workflow.SurfaceWebhook), ErrSurfaceNotBound)
}

func TestCacheServesUntilInvalidated(t *testing.T) {
	gate, ms := seedGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Admit(ctx, "plat-1", workflow.SurfaceREST))

	// Disable the binding behind the cache: the stale entry still admits.
	require.NoError(t, ms.UpsertSurface(ctx, &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: workflow.SurfaceREST,
		Enabled:     false,
	}))
	assert.NoError(t, gate.Admit(ctx, "plat-1", workflow.SurfaceREST))

	// Invalidation forces a re-read.
	gate.Invalidate("plat-1", workflow.SurfaceREST)
	assert.ErrorIs(t, gate.Admit(ctx, "plat-1", workflow.SurfaceREST), ErrSurfaceNotBound)
}

func TestNegativeResultIsCached(t *testing.T) {
	gate, ms := seedGate(t)
	ctx := context.Background()

	require.ErrorIs(t, gate.Admit(ctx, "plat-1", workflow.SurfaceCLI), ErrSurfaceNotBound)

	// Binding appears, but the cached rejection holds until invalidation.
	require.NoError(t, ms.UpsertSurface(ctx, &workflow.PlatformSurface{
		PlatformID:  "plat-1",
		SurfaceType: workflow.SurfaceCLI,
		Enabled:     true,
	}))
	assert.ErrorIs(t, gate.Admit(ctx, "plat-1", workflow.SurfaceCLI), ErrSurfaceNotBound)

	gate.InvalidateAll()
	assert.NoError(t, gate.Admit(ctx, "plat-1", workflow.SurfaceCLI))
}
