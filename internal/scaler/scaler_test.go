package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxInstances:      10,
		MinInstances:      0,
		ScaleUpCooldown:   time.Minute,
		ScaleDownCooldown: 2 * time.Minute,
		ScaleUp:           config.Thresholds{Mode: config.ThresholdsGeneral, General: 75},
		ScaleDown:         config.Thresholds{Mode: config.ThresholdsGeneral, General: 30},
	}
}

func testSetup(t *testing.T, cfg *config.Config) (*Scaler, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Migrate(context.Background(), cfg.MaxInstances))
	return New(reg, cfg), reg
}

func addInstance(t *testing.T, reg *registry.Registry, name string, cpu float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.RecordInstance(ctx, name, 0, true, at)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateMetrics(ctx, name, cpu, 0, 0, at))
}

func TestShouldScaleUpForMetrics_EdgeDedup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "hot", 90, base)

	// First heartbeat: crossing fires and is stamped.
	up, err := s.ShouldScaleUpForMetrics(ctx, base)
	require.NoError(t, err)
	assert.True(t, up)

	// Still hot 30s later, within the cooldown window: no re-fire.
	up, err = s.ShouldScaleUpForMetrics(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, up)

	// After the cooldown ages out the stamp, the instance is eligible
	// again.
	up, err = s.ShouldScaleUpForMetrics(ctx, base.Add(70*time.Second))
	require.NoError(t, err)
	assert.True(t, up)
}

func TestShouldScaleUpForMetrics_GlobalCooldown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "hot", 90, base)
	require.NoError(t, reg.RecordScaleUp(ctx, base))

	up, err := s.ShouldScaleUpForMetrics(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, up)

	up, err = s.ShouldScaleUpForMetrics(ctx, base.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, up)
}

func TestShouldScaleUpForMetrics_AtMax(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxInstances = 1
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "hot", 90, base)

	up, err := s.ShouldScaleUpForMetrics(ctx, base)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestShouldScaleUpForMetrics_NoThresholds(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ScaleUp = config.Thresholds{Mode: config.ThresholdsNone}
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "hot", 99, base)

	up, err := s.ShouldScaleUpForMetrics(ctx, base)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestShouldScaleUpForMetrics_PartialSpecificsIgnoreUnset(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// Only CPU configured; memory and disk disabled.
	cfg.ScaleUp = config.Thresholds{Mode: config.ThresholdsSpecific, CPU: 85, Memory: -1, Disk: -1}
	s, reg := testSetup(t, cfg)
	base := time.Now()

	_, err := reg.RecordInstance(ctx, "a", 0, true, base)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateMetrics(ctx, "a", 50, 99, 99, base))

	up, err := s.ShouldScaleUpForMetrics(ctx, base)
	require.NoError(t, err)
	assert.False(t, up, "unconfigured metrics must not trigger scale-up")
}

func TestShouldScaleUpForMetrics_SkipsDraining(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "hot", 90, base)
	require.NoError(t, reg.MarkDraining(ctx, "hot", base))

	up, err := s.ShouldScaleUpForMetrics(ctx, base)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestShouldScaleUpForRequests(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRequestsPerInstance = 5
	s, reg := testSetup(t, cfg)
	base := time.Now()

	_, err := reg.RecordInstance(ctx, "a", 8, true, base)
	require.NoError(t, err)
	_, err = reg.RecordInstance(ctx, "b", 4, true, base)
	require.NoError(t, err)

	// avg = 6 > 5
	up, err := s.ShouldScaleUpForRequests(ctx, base)
	require.NoError(t, err)
	assert.True(t, up)

	require.NoError(t, reg.DecrementRequests(ctx, "a", base))
	require.NoError(t, reg.DecrementRequests(ctx, "a", base))
	require.NoError(t, reg.DecrementRequests(ctx, "a", base))

	// avg = 4.5 <= 5
	up, err = s.ShouldScaleUpForRequests(ctx, base)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestShouldScaleUpForRequests_Unconfigured(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	_, err := reg.RecordInstance(ctx, "a", 100, true, base)
	require.NoError(t, err)

	up, err := s.ShouldScaleUpForRequests(ctx, base)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestShouldScaleDown_Hysteresis(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	// Both instances under the derived floor (30).
	addInstance(t, reg, "a", 28, base)
	addInstance(t, reg, "b", 29, base)

	down, err := s.ShouldScaleDown(ctx, base)
	require.NoError(t, err)
	assert.True(t, down)

	// One instance between the floor and the ceiling: the hysteresis gap
	// holds the fleet steady.
	require.NoError(t, reg.UpdateMetrics(ctx, "b", 50, 0, 0, base))
	down, err = s.ShouldScaleDown(ctx, base)
	require.NoError(t, err)
	assert.False(t, down)
}

func TestShouldScaleDown_AtFloor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MinInstances = 2
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "a", 5, base)
	addInstance(t, reg, "b", 5, base)

	down, err := s.ShouldScaleDown(ctx, base)
	require.NoError(t, err)
	assert.False(t, down)
}

func TestShouldScaleDown_Cooldown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "a", 5, base)
	addInstance(t, reg, "b", 5, base)
	require.NoError(t, reg.RecordScaleDown(ctx, base))

	down, err := s.ShouldScaleDown(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, down)

	down, err = s.ShouldScaleDown(ctx, base.Add(121*time.Second))
	require.NoError(t, err)
	assert.True(t, down)
}

func TestSelectInstancesForRemoval_UnhealthyFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MinInstances = 1
	s, reg := testSetup(t, cfg)
	base := time.Now()

	_, err := reg.RecordInstance(ctx, "sick", 0, false, base)
	require.NoError(t, err)
	addInstance(t, reg, "idle-old", 5, base)
	addInstance(t, reg, "idle-new", 5, base)
	require.NoError(t, reg.UpdateHeartbeat(ctx, "idle-old", base.Add(-time.Minute)))

	removals, err := s.SelectInstancesForRemoval(ctx, base)
	require.NoError(t, err)
	require.Len(t, removals, 2, "removals capped at count - minInstances")
	assert.Equal(t, "sick", removals[0].Name)
	// Ties on load break toward the oldest heartbeat.
	assert.Equal(t, "idle-old", removals[1].Name)
}

func TestSelectInstancesForRemoval_RespectsFloor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MinInstances = 2
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "a", 5, base)
	addInstance(t, reg, "b", 5, base)

	removals, err := s.SelectInstancesForRemoval(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, removals)
}

func TestSelectInstancesForRemoval_SkipsBusyInstances(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s, reg := testSetup(t, cfg)
	base := time.Now()

	addInstance(t, reg, "idle", 10, base)
	addInstance(t, reg, "hot", 80, base)

	removals, err := s.SelectInstancesForRemoval(ctx, base)
	require.NoError(t, err)
	require.Len(t, removals, 1)
	assert.Equal(t, "idle", removals[0].Name)
}
