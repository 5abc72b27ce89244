package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T, maxInstances int) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Migrate(context.Background(), maxInstances))
	return reg
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 5)

	_, err := reg.RecordInstance(ctx, "a", 0, true, time.Now())
	require.NoError(t, err)

	// Running migrate again must keep the row and resync the counter.
	require.NoError(t, reg.Migrate(ctx, 5))

	count, err := reg.InstanceCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cur, max, err := reg.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 5, max)
}

func TestRecordInstanceReturnsPreviousRequests(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 5)
	now := time.Now()

	prev, err := reg.RecordInstance(ctx, "a", 1, true, now)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)

	prev, err = reg.RecordInstance(ctx, "a", 1, true, now)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.ActiveRequests)
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 5)
	now := time.Now()

	_, err := reg.RecordInstance(ctx, "a", 0, true, now)
	require.NoError(t, err)

	const k = 3
	for i := 0; i < k; i++ {
		prev, err := reg.IncrementRequests(ctx, "a", now, true, 1)
		require.NoError(t, err)
		assert.Equal(t, i, prev)
	}
	for i := 0; i < k; i++ {
		require.NoError(t, reg.DecrementRequests(ctx, "a", now))
	}

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.ActiveRequests)
}

func TestDecrementClampsAtZero(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 5)
	now := time.Now()

	_, err := reg.RecordInstance(ctx, "a", 0, true, now)
	require.NoError(t, err)

	require.NoError(t, reg.DecrementRequests(ctx, "a", now))
	require.NoError(t, reg.DecrementRequests(ctx, "a", now))

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.ActiveRequests)
}

func TestDecrementMissingInstanceIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 5)
	assert.NoError(t, reg.DecrementRequests(ctx, "ghost", time.Now()))
}

func TestReserveReleaseSlot(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 2)

	ok, err := reg.TryReserveSlot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.TryReserveSlot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// At max_count the conditional update must refuse.
	ok, err = reg.TryReserveSlot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.ReleaseSlot(ctx))
	ok, err = reg.TryReserveSlot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 2)

	require.NoError(t, reg.ReleaseSlot(ctx))

	cur, _, err := reg.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cur)
}

func TestSyncCapacityMatchesRowCount(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)
	now := time.Now()

	for _, name := range []string{"a", "b", "c"} {
		_, err := reg.RecordInstance(ctx, name, 0, true, now)
		require.NoError(t, err)
	}
	require.NoError(t, reg.RemoveInstance(ctx, "b"))
	require.NoError(t, reg.SyncCapacity(ctx))

	cur, _, err := reg.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
}

func TestListInstancesOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)
	base := time.Now().Truncate(time.Millisecond)

	_, err := reg.RecordInstance(ctx, "busy", 5, true, base)
	require.NoError(t, err)
	_, err = reg.RecordInstance(ctx, "idle-old", 1, true, base)
	require.NoError(t, err)
	_, err = reg.RecordInstance(ctx, "idle-new", 1, true, base)
	require.NoError(t, err)
	_, err = reg.RecordInstance(ctx, "sick", 0, false, base)
	require.NoError(t, err)
	_, err = reg.RecordInstance(ctx, "leaving", 0, true, base)
	require.NoError(t, err)
	require.NoError(t, reg.MarkDraining(ctx, "leaving", base))

	require.NoError(t, reg.UpdateHeartbeat(ctx, "idle-old", base.Add(-time.Minute)))
	require.NoError(t, reg.UpdateHeartbeat(ctx, "idle-new", base))

	instances, err := reg.ListInstances(ctx, Filter{HealthyOnly: true, NotDraining: true})
	require.NoError(t, err)
	require.Len(t, instances, 3)
	// Fewest active requests first, ties broken by freshest heartbeat.
	assert.Equal(t, "idle-new", instances[0].Name)
	assert.Equal(t, "idle-old", instances[1].Name)
	assert.Equal(t, "busy", instances[2].Name)

	below, err := reg.ListInstances(ctx, Filter{HealthyOnly: true, NotDraining: true, BelowCapacity: 5})
	require.NoError(t, err)
	require.Len(t, below, 2)
	for _, inst := range below {
		assert.Less(t, inst.ActiveRequests, 5)
	}
}

func TestUpdateHealthAndMetrics(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)
	now := time.Now().Truncate(time.Millisecond)

	_, err := reg.RecordInstance(ctx, "a", 0, true, now)
	require.NoError(t, err)

	require.NoError(t, reg.UpdateMetrics(ctx, "a", 90.5, 40.0, 10.0, now))
	require.NoError(t, reg.UpdateHealth(ctx, "a", false, 3, now))

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 90.5, inst.CurrentCPU)
	assert.Equal(t, 40.0, inst.CurrentMemory)
	assert.Equal(t, 10.0, inst.CurrentDisk)
	assert.False(t, inst.Healthy)
	assert.Equal(t, 3, inst.HealthCheckFailures)
	assert.Equal(t, now.UnixMilli(), inst.LastHealthCheck.UnixMilli())
}

func TestThresholdCrossedStamp(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)
	now := time.Now().Truncate(time.Millisecond)

	_, err := reg.RecordInstance(ctx, "a", 0, true, now)
	require.NoError(t, err)

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.True(t, inst.ThresholdCrossedAt.IsZero())

	require.NoError(t, reg.MarkThresholdCrossed(ctx, "a", now))
	inst, err = reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), inst.ThresholdCrossedAt.UnixMilli())
}

func TestScalingTimestamps(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)

	up, err := reg.LastScaleUp(ctx)
	require.NoError(t, err)
	assert.True(t, up.IsZero())

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, reg.RecordScaleUp(ctx, now))
	require.NoError(t, reg.RecordScaleDown(ctx, now.Add(time.Second)))

	up, err = reg.LastScaleUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), up.UnixMilli())

	down, err := reg.LastScaleDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), down.UnixMilli())
}

func TestMarkDrainingSetsSince(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t, 10)
	now := time.Now().Truncate(time.Millisecond)

	_, err := reg.RecordInstance(ctx, "a", 2, true, now)
	require.NoError(t, err)
	require.NoError(t, reg.MarkDraining(ctx, "a", now))

	inst, err := reg.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.True(t, inst.Draining)
	assert.Equal(t, now.UnixMilli(), inst.DrainingSince.UnixMilli())
}
