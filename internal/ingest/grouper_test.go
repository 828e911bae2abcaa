package ingest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage/memory"
)

func newGrouper(t *testing.T, cfg ingest.GrouperConfig) *ingest.Grouper {
	t.Helper()

	if cfg.Store == nil {
		store, err := memory.NewStore(memory.StoreConfig{})
		require.NoError(t, err)
		cfg.Store = store
	}

	grouper, err := ingest.NewGrouper(cfg)
	require.NoError(t, err)
	return grouper
}

func TestGrouperObserveBuildsGroup(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 3})

	g1, ready, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, model.GroupStateCollecting, g1.State)

	// Within tolerance, joins the same group.
	g2, ready, err := grouper.Observe(ctx, "/data/a_sb01.hdf5", base.Add(10*time.Second), 1)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, g1.ID, g2.ID)

	// Last member completes the group.
	g3, ready, err := grouper.Observe(ctx, "/data/a_sb02.hdf5", base.Add(5*time.Second), 2)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, g1.ID, g3.ID)
	assert.Equal(t, model.GroupStatePending, g3.State)
	assert.False(t, g3.Partial)
}

func TestGrouperObserveIdempotent(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 3})

	g1, _, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)

	// Same (index, path) again is a no-op.
	g2, ready, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, g1.ID, g2.ID)
	assert.Len(t, g2.Members, 1)
}

func TestGrouperObserveOutOfRangeIndex(t *testing.T) {
	ctx := context.Background()
	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 3})

	_, _, err := grouper.Observe(ctx, "/data/a_sb09.hdf5", time.Now(), 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestGrouperObserveOutsideToleranceOpensNewGroup(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 16, Tolerance: 60 * time.Second})

	g1, _, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)

	g2, _, err := grouper.Observe(ctx, "/data/b_sb00.hdf5", base.Add(5*time.Minute), 0)
	require.NoError(t, err)

	assert.NotEqual(t, g1.ID, g2.ID)
}

func TestGrouperTieBreakDeterministic(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 16, Tolerance: 60 * time.Second})

	// Two open groups 80s apart; a new file exactly equidistant (40s from
	// each mean) must land on the earlier-opened group, every time.
	early, _, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)
	late, _, err := grouper.Observe(ctx, "/data/b_sb00.hdf5", base.Add(80*time.Second), 0)
	require.NoError(t, err)
	require.NotEqual(t, early.ID, late.ID)

	assigned, _, err := grouper.Observe(ctx, "/data/c_sb01.hdf5", base.Add(40*time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, early.ID, assigned.ID)

	// Closer to the later group's mean, lands there.
	assigned2, _, err := grouper.Observe(ctx, "/data/d_sb02.hdf5", base.Add(70*time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, late.ID, assigned2.ID)
}

func TestGrouperLateMemberDroppedByDefault(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 2})

	_, _, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)
	g, ready, err := grouper.Observe(ctx, "/data/a_sb01.hdf5", base, 1)
	require.NoError(t, err)
	require.True(t, ready)

	// Group is pending now; without accept_late_members a repeat index with a
	// different path leaves the group untouched.
	after, ready, err := grouper.Observe(ctx, "/data/a2_sb01.hdf5", base, 1)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, g.ID, after.ID)
	assert.Len(t, after.Members, 2)
	assert.Equal(t, "/data/a_sb01.hdf5", after.Members[1].Path)
}

func TestGrouperSweepCollecting(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	grouper := newGrouper(t, ingest.GrouperConfig{
		Store:             store,
		ExpectedMembers:   16,
		CollectionTimeout: 20 * time.Minute,
	})
	queue, err := ingest.NewQueue(ingest.QueueConfig{Store: store})
	require.NoError(t, err)

	g, _, err := grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)

	// Before the timeout nothing happens.
	ready, err := grouper.SweepCollecting(ctx, g.FirstSeenAt.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ready)

	// After the timeout the short group proceeds, flagged partial.
	ready, err = grouper.SweepCollecting(ctx, g.FirstSeenAt.Add(21*time.Minute))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, g.ID, ready[0].ID)
	assert.Equal(t, model.GroupStatePending, ready[0].State)
	assert.True(t, ready[0].Partial)

	stored, err := queue.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStatePending, stored.State)
	assert.True(t, stored.Partial)
}

func TestGrouperReplayDeterministic(t *testing.T) {
	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	type arrival struct {
		path string
		ts   time.Time
		idx  int
	}
	arrivals := []arrival{
		{"/data/a_sb00.hdf5", base, 0},
		{"/data/b_sb00.hdf5", base.Add(3 * time.Minute), 0},
		{"/data/a_sb01.hdf5", base.Add(20 * time.Second), 1},
		{"/data/b_sb01.hdf5", base.Add(3*time.Minute + 15*time.Second), 1},
		{"/data/a_sb02.hdf5", base.Add(40 * time.Second), 2},
	}

	run := func() map[string]string {
		ctx := context.Background()
		grouper := newGrouper(t, ingest.GrouperConfig{ExpectedMembers: 16})

		assignments := map[string]string{}
		for _, a := range arrivals {
			g, _, err := grouper.Observe(ctx, a.path, a.ts, a.idx)
			require.NoError(t, err)
			assignments[a.path] = g.ID
		}
		return assignments
	}

	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run(), fmt.Sprintf("replay %d should match", i))
	}
}
