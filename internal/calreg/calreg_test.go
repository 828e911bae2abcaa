package calreg_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/calreg"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage/memory"
)

func newRegistry(t *testing.T, cfg calreg.RegistryConfig) *calreg.Registry {
	t.Helper()

	if cfg.Store == nil {
		store, err := memory.NewStore(memory.StoreConfig{})
		require.NoError(t, err)
		cfg.Store = store
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(t.TempDir(), "calreg.lock")
	}

	registry, err := calreg.NewRegistry(cfg)
	require.NoError(t, err)
	return registry
}

func newSet(validStart time.Time, field, refant string) model.CalibrationSet {
	return model.CalibrationSet{
		ValidStart: validStart,
		Tables: []model.CalibrationTable{
			{Kind: model.TableKindGain, Path: "/cal/g", CalField: field, RefAnt: refant},
			{Kind: model.TableKindDelay, Path: "/cal/k", CalField: field, RefAnt: refant},
			{Kind: model.TableKindBandpass, Path: "/cal/b", CalField: field, RefAnt: refant},
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	registered, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, model.CalSetStatusActive, registered.Status)
	assert.False(t, registered.RegisteredAt.IsZero())
	// Tables come back ordered K, B, G regardless of input order.
	assert.Equal(t, []string{"/cal/k", "/cal/b", "/cal/g"}, registered.ApplyList())
}

func TestRegistryRegisterInvalidSet(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	set := newSet(start, "3C286", "pad103")
	set.Tables[1].RefAnt = "pad001"

	_, err := registry.Register(ctx, set)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestRegistryRegisterDuplicateID(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	set := newSet(start, "3C286", "pad103")
	set.ID = "fixed-id"

	_, err := registry.Register(ctx, set)
	require.NoError(t, err)

	_, err = registry.Register(ctx, set)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestRegistrySelectBidirectionalWindow(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	registered, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	tests := map[string]struct {
		target   time.Time
		expMatch bool
	}{
		"target before the half window should miss": {
			target: start.Add(-31 * time.Minute),
		},
		"target inside the backward half window should match": {
			target:   start.Add(-29 * time.Minute),
			expMatch: true,
		},
		"target at validity start should match": {
			target:   start,
			expMatch: true,
		},
		"target hours later with open end should match": {
			target:   start.Add(6 * time.Hour),
			expMatch: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			sel, err := registry.Select(ctx, test.target)
			require.NoError(t, err)

			if test.expMatch {
				require.NotNil(t, sel)
				assert.Equal(t, registered.ID, sel.Set.ID)
			} else {
				assert.Nil(t, sel)
			}
		})
	}
}

func TestRegistrySelectBeforeEarliestReturnsNothing(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	earliest := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	_, err := registry.Register(ctx, newSet(earliest, "3C286", "pad103"))
	require.NoError(t, err)

	sel, err := registry.Select(ctx, earliest.Add(-5*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestRegistrySelectOpenEndBoundedByNextSet(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	first := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	second := first.Add(4 * time.Hour)

	s1, err := registry.Register(ctx, newSet(first, "3C286", "pad103"))
	require.NoError(t, err)
	s2, err := registry.Register(ctx, newSet(second, "3C286", "pad103"))
	require.NoError(t, err)

	// Close to the first set's start the first wins.
	sel, err := registry.Select(ctx, first.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, s1.ID, sel.Set.ID)

	// Past the second set's start the second wins outright: the first's open
	// end is bounded by the second's start plus the half window.
	sel, err = registry.Select(ctx, second.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, s2.ID, sel.Set.ID)
	assert.Empty(t, sel.Alternatives)
}

func TestRegistrySelectOverlapPrefersClosestStart(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	first := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	s1, err := registry.Register(ctx, newSet(first, "3C286", "pad103"))
	require.NoError(t, err)
	s2, err := registry.Register(ctx, newSet(second, "3C48", "pad103"))
	require.NoError(t, err)

	// Both windows cover a point between the two starts; the closer start
	// wins and the loser is reported as an alternative, not discarded.
	target := first.Add(50 * time.Minute)
	sel, err := registry.Select(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, s2.ID, sel.Set.ID)
	require.Len(t, sel.Alternatives, 1)
	assert.Equal(t, s1.ID, sel.Alternatives[0].ID)

	// Selection is deterministic across repeated calls.
	for i := 0; i < 5; i++ {
		again, err := registry.Select(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, sel.Set.ID, again.Set.ID)
	}
}

func TestRegistrySelectExactTiePrefersLatestRegistered(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: time.Hour})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)

	_, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // Distinct RegisteredAt.
	later, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	sel, err := registry.Select(ctx, start.Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, later.ID, sel.Set.ID)
	require.Len(t, sel.Alternatives, 1)
}

func TestRegistrySupersededSetIsSkipped(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	registered, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	require.NoError(t, registry.Supersede(ctx, registered.ID))

	sel, err := registry.Select(ctx, start)
	require.NoError(t, err)
	assert.Nil(t, sel)

	// History stays queryable.
	sets, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, model.CalSetStatusSuperseded, sets[0].Status)
}

func TestRegistryStaleness(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{
		HalfWindow:  30 * time.Minute,
		FreshWindow: 12 * time.Hour,
	})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	_, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	// Inside the fresh window.
	staleness, err := registry.Staleness(ctx, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), staleness)

	// Two hours beyond the fresh window.
	staleness, err = registry.Staleness(ctx, start.Add(14*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, staleness)

	// No coverage at all.
	_, err = registry.Staleness(ctx, start.Add(-2*time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMissingCalibration)
}

func TestRegistryMarkFailed(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, calreg.RegistryConfig{HalfWindow: 30 * time.Minute})

	start := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)
	registered, err := registry.Register(ctx, newSet(start, "3C286", "pad103"))
	require.NoError(t, err)

	require.NoError(t, registry.MarkFailed(ctx, registered.ID))

	sel, err := registry.Select(ctx, start)
	require.NoError(t, err)
	assert.Nil(t, sel)
}
