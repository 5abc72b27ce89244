package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "standard-1", cfg.Instance)
	assert.Equal(t, 10, cfg.MaxInstances)
	assert.Equal(t, 0, cfg.MinInstances)
	assert.Equal(t, 0, cfg.MaxRequestsPerInstance)
	assert.Equal(t, 0.7, cfg.ScaleUpCapacityThreshold)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.ScaleUpCooldown)
	assert.Equal(t, 120*time.Second, cfg.ScaleDownCooldown)
	assert.Equal(t, 60*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 3, cfg.HealthCheckRetries)
	assert.Equal(t, "/healthz", cfg.MonitoringEndpoint)
	assert.Equal(t, "http://localhost:81/monitorz", cfg.MonitorzURL)

	// No thresholds configured: metric scale-up disabled, but scale-down
	// still has the derived general floor.
	assert.Equal(t, ThresholdsNone, cfg.ScaleUp.Mode)
	assert.Equal(t, ThresholdsGeneral, cfg.ScaleDown.Mode)
	assert.Equal(t, 30.0, cfg.ScaleDown.General)
}

func TestLoadGeneralThreshold(t *testing.T) {
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD", "80")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ThresholdsGeneral, cfg.ScaleUp.Mode)
	assert.Equal(t, 80.0, cfg.ScaleUp.General)
	assert.Equal(t, ThresholdsGeneral, cfg.ScaleDown.Mode)
	assert.Equal(t, 35.0, cfg.ScaleDown.General)
}

func TestLoadSpecificThresholds(t *testing.T) {
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_CPU", "85")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_MEMORY", "90")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_DISK", "95")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ThresholdsSpecific, cfg.ScaleUp.Mode)
	assert.Equal(t, 85.0, cfg.ScaleUp.CPU)
	assert.Equal(t, 90.0, cfg.ScaleUp.Memory)
	assert.Equal(t, 95.0, cfg.ScaleUp.Disk)

	require.Equal(t, ThresholdsSpecific, cfg.ScaleDown.Mode)
	assert.Equal(t, 40.0, cfg.ScaleDown.CPU)
	assert.Equal(t, 45.0, cfg.ScaleDown.Memory)
	assert.Equal(t, 50.0, cfg.ScaleDown.Disk)
}

func TestLoadSpecificBeatsGeneral(t *testing.T) {
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD", "75")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_CPU", "85")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_MEMORY", "90")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_DISK", "95")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ThresholdsSpecific, cfg.ScaleUp.Mode)
	thr, ok := cfg.ScaleUp.Metric("cpu")
	require.True(t, ok)
	assert.Equal(t, 85.0, thr)
}

func TestLoadPartialSpecificsDisableMissing(t *testing.T) {
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_CPU", "85")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ThresholdsSpecific, cfg.ScaleUp.Mode)

	thr, ok := cfg.ScaleUp.Metric("cpu")
	require.True(t, ok)
	assert.Equal(t, 85.0, thr)

	_, ok = cfg.ScaleUp.Metric("memory")
	assert.False(t, ok, "memory threshold should be disabled")
	_, ok = cfg.ScaleUp.Metric("disk")
	assert.False(t, ok, "disk threshold should be disabled")

	// Disabled on the way up stays disabled on the way down.
	_, ok = cfg.ScaleDown.Metric("memory")
	assert.False(t, ok)
	thr, ok = cfg.ScaleDown.Metric("cpu")
	require.True(t, ok)
	assert.Equal(t, 40.0, thr)
}

func TestLoadScaleDownOverrides(t *testing.T) {
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_CPU", "85")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_MEMORY", "90")
	t.Setenv("AUTOSCALED_SCALE_THRESHOLD_DISK", "95")
	t.Setenv("AUTOSCALED_SCALE_DOWN_THRESHOLD_CPU", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20.0, cfg.ScaleDown.CPU)
	assert.Equal(t, 45.0, cfg.ScaleDown.Memory)
}

func TestLoadDurationsFromMillis(t *testing.T) {
	t.Setenv("AUTOSCALED_HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("AUTOSCALED_DRAIN_TIMEOUT_MS", "1500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.DrainTimeout)
}
