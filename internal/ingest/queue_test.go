package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage/memory"
)

// newPendingGroup seeds a complete pending group through the grouper.
func newPendingGroup(t *testing.T, ctx context.Context, store *memory.Store) *model.FileGroup {
	t.Helper()

	grouper, err := ingest.NewGrouper(ingest.GrouperConfig{Store: store, ExpectedMembers: 2})
	require.NoError(t, err)

	base := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	_, _, err = grouper.Observe(ctx, "/data/a_sb00.hdf5", base, 0)
	require.NoError(t, err)
	g, ready, err := grouper.Observe(ctx, "/data/a_sb01.hdf5", base, 1)
	require.NoError(t, err)
	require.True(t, ready)

	return g
}

func newQueue(t *testing.T, store *memory.Store, maxRetries int) *ingest.Queue {
	t.Helper()
	queue, err := ingest.NewQueue(ingest.QueueConfig{Store: store, MaxRetries: maxRetries})
	require.NoError(t, err)
	return queue
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	lease := time.Now().UTC().Add(time.Minute)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateClaimed, g.State)
	assert.Equal(t, "w1", g.WorkerID)

	require.NoError(t, queue.Start(ctx, group.ID))
	require.NoError(t, queue.SetStage(ctx, group.ID, model.StageImage))
	require.NoError(t, queue.Complete(ctx, group.ID))

	g, err = queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateCompleted, g.State)
	assert.Equal(t, model.StageImage, g.Stage)
	assert.Empty(t, g.WorkerID)
	assert.Nil(t, g.LeaseExpiry)
}

func TestQueueInvalidTransitionIsNoop(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	// Start without claim is an anomaly no-op, never an error.
	require.NoError(t, queue.Start(ctx, group.ID))

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStatePending, g.State)
}

func TestQueueFailRetriesThenAbandons(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 2)

	lease := time.Now().UTC().Add(time.Minute)

	// Two failures requeue.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))
		require.NoError(t, queue.Start(ctx, group.ID))
		require.NoError(t, queue.Fail(ctx, group.ID, "conversion crashed"))

		g, err := queue.Get(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, model.GroupStatePending, g.State)
		assert.Equal(t, attempt, g.RetryCount)
		assert.Equal(t, "conversion crashed", g.LastError)
	}

	// Third failure exhausts the budget.
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))
	require.NoError(t, queue.Start(ctx, group.ID))
	require.NoError(t, queue.Fail(ctx, group.ID, "conversion crashed"))

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateAbandoned, g.State)
	assert.Equal(t, 3, g.RetryCount)
	assert.Equal(t, "conversion crashed", g.LastError)
}

func TestQueueManualRetryFromAbandoned(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 0)

	lease := time.Now().UTC().Add(time.Minute)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))
	require.NoError(t, queue.Start(ctx, group.ID))
	require.NoError(t, queue.Fail(ctx, group.ID, "conversion crashed"))

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, model.GroupStateAbandoned, g.State)

	// Manual retry requeues the abandoned group, keeping its history.
	require.NoError(t, queue.Retry(ctx, group.ID))

	g, err = queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStatePending, g.State)
	assert.Equal(t, 1, g.RetryCount)
	assert.Equal(t, "conversion crashed", g.LastError)
	assert.Empty(t, g.WorkerID)
	assert.Nil(t, g.LeaseExpiry)

	// The retry budget stays spent, so the next failure abandons again.
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))
	require.NoError(t, queue.Start(ctx, group.ID))
	require.NoError(t, queue.Fail(ctx, group.ID, "conversion crashed again"))

	g, err = queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateAbandoned, g.State)
	assert.Equal(t, 2, g.RetryCount)
}

func TestQueueManualRetryInvalidState(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	// A pending group has nothing to retry.
	err = queue.Retry(ctx, group.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotValid)

	lease := time.Now().UTC().Add(time.Minute)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))
	require.NoError(t, queue.Start(ctx, group.ID))
	require.NoError(t, queue.Complete(ctx, group.ID))

	err = queue.Retry(ctx, group.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestQueueRelease(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	lease := time.Now().UTC().Add(time.Minute)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))

	// Another worker cannot release it.
	err = queue.Release(ctx, group.ID, "w2")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotOwner)

	require.NoError(t, queue.Release(ctx, group.ID, "w1"))

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStatePending, g.State)
	assert.Empty(t, g.WorkerID)
}

func TestQueueExtendLeaseNotOwner(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	lease := time.Now().UTC().Add(time.Minute)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", lease))

	err = queue.ExtendLease(ctx, group.ID, "w2", lease.Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotOwner)

	require.NoError(t, queue.ExtendLease(ctx, group.ID, "w1", lease.Add(time.Minute)))
}

func TestQueueRecoverStale(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, queue.Claim(ctx, group.ID, "w1", now.Add(time.Minute)))
	require.NoError(t, queue.Start(ctx, group.ID))

	// Lease still live, nothing recovered.
	recovered, err := queue.RecoverStale(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	// Lease expired, the group goes back to pending.
	recovered, err = queue.RecoverStale(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{group.ID}, recovered)

	g, err := queue.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStatePending, g.State)
	assert.Empty(t, g.WorkerID)
	assert.Nil(t, g.LeaseExpiry)
}

func TestQueueGetNotFound(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	queue := newQueue(t, store, 3)

	_, err = queue.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestQueueListByState(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewStore(memory.StoreConfig{})
	require.NoError(t, err)

	group := newPendingGroup(t, ctx, store)
	queue := newQueue(t, store, 3)

	pending, err := queue.ListByState(ctx, model.GroupStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, group.ID, pending[0].ID)

	completed, err := queue.ListByState(ctx, model.GroupStateCompleted)
	require.NoError(t, err)
	assert.Empty(t, completed)
}
