// Package scaler holds the scaling policy: when the fleet grows, when it
// shrinks, and which instances drain first. It reads the registry and the
// immutable config; the only write it performs is stamping the per-instance
// threshold-crossing edge trigger.
package scaler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/registry"
)

// Scaler is the scaling decision engine.
type Scaler struct {
	registry *registry.Registry
	cfg      *config.Config
}

// New creates a scaler over the given registry.
func New(reg *registry.Registry, cfg *config.Config) *Scaler {
	return &Scaler{registry: reg, cfg: cfg}
}

// ShouldScaleUpForMetrics reports whether any healthy non-draining instance
// crossed a resource threshold. A crossing is an edge: once an instance
// fires, it cannot fire again until the scale-up cooldown has aged out its
// threshold_crossed_at stamp, so one sustained-hot instance triggers at most
// one scale-up per cooldown window.
func (s *Scaler) ShouldScaleUpForMetrics(ctx context.Context, now time.Time) (bool, error) {
	if s.cfg.ScaleUp.Mode == config.ThresholdsNone {
		return false, nil
	}

	count, err := s.registry.InstanceCount(ctx, true)
	if err != nil {
		return false, err
	}
	if count >= s.cfg.MaxInstances {
		return false, nil
	}

	last, err := s.registry.LastScaleUp(ctx)
	if err != nil {
		return false, err
	}
	if inCooldown(now, last, s.cfg.ScaleUpCooldown) {
		return false, nil
	}

	instances, err := s.registry.ListInstances(ctx, registry.Filter{HealthyOnly: true, NotDraining: true})
	if err != nil {
		return false, err
	}

	for _, inst := range instances {
		// Skip instances whose previous crossing is still fresh.
		if !inst.ThresholdCrossedAt.IsZero() && now.Sub(inst.ThresholdCrossedAt) < s.cfg.ScaleUpCooldown {
			continue
		}
		if metric, value, thr, ok := exceeds(inst, s.cfg.ScaleUp); ok {
			if err := s.registry.MarkThresholdCrossed(ctx, inst.Name, now); err != nil {
				return false, err
			}
			log.Printf("scaler: instance %s %s at %.1f%% exceeds threshold %.1f%%, scaling up",
				inst.Name, metric, value, thr)
			return true, nil
		}
	}
	return false, nil
}

// ShouldScaleUpForRequests reports whether the fleet-wide average of active
// requests exceeds the per-instance cap.
func (s *Scaler) ShouldScaleUpForRequests(ctx context.Context, now time.Time) (bool, error) {
	if s.cfg.MaxRequestsPerInstance <= 0 {
		return false, nil
	}

	count, err := s.registry.InstanceCount(ctx, true)
	if err != nil {
		return false, err
	}
	if count >= s.cfg.MaxInstances {
		return false, nil
	}

	last, err := s.registry.LastScaleUp(ctx)
	if err != nil {
		return false, err
	}
	if inCooldown(now, last, s.cfg.ScaleUpCooldown) {
		return false, nil
	}

	instances, err := s.registry.ListInstances(ctx, registry.Filter{HealthyOnly: true, NotDraining: true})
	if err != nil {
		return false, err
	}
	if len(instances) == 0 {
		return false, nil
	}

	total := 0
	for _, inst := range instances {
		total += inst.ActiveRequests
	}
	avg := float64(total) / float64(len(instances))
	if avg > float64(s.cfg.MaxRequestsPerInstance) {
		log.Printf("scaler: average load %.1f exceeds %d requests per instance, scaling up",
			avg, s.cfg.MaxRequestsPerInstance)
		return true, nil
	}
	return false, nil
}

// ShouldScaleDown reports whether the whole fleet is idle enough to shrink:
// every healthy non-draining instance at or below the scale-down thresholds,
// with the floor and the scale-down cooldown respected. The gap between the
// up and down thresholds is what prevents flapping.
func (s *Scaler) ShouldScaleDown(ctx context.Context, now time.Time) (bool, error) {
	count, err := s.registry.InstanceCount(ctx, false)
	if err != nil {
		return false, err
	}
	if count <= s.cfg.MinInstances {
		return false, nil
	}

	last, err := s.registry.LastScaleDown(ctx)
	if err != nil {
		return false, err
	}
	if inCooldown(now, last, s.cfg.ScaleDownCooldown) {
		return false, nil
	}

	instances, err := s.registry.ListInstances(ctx, registry.Filter{HealthyOnly: true, NotDraining: true})
	if err != nil {
		return false, err
	}
	for _, inst := range instances {
		if !withinDown(inst, s.cfg.ScaleDown) {
			return false, nil
		}
	}
	return true, nil
}

// SelectInstancesForRemoval picks the drain candidates: every non-draining
// unhealthy instance first, then idle healthy instances (fewest active
// requests, oldest heartbeat first), capped so the fleet never shrinks below
// the floor.
func (s *Scaler) SelectInstancesForRemoval(ctx context.Context, now time.Time) ([]registry.Instance, error) {
	count, err := s.registry.InstanceCount(ctx, false)
	if err != nil {
		return nil, err
	}
	budget := count - s.cfg.MinInstances
	if budget <= 0 {
		return nil, nil
	}

	all, err := s.registry.ListInstances(ctx, registry.Filter{NotDraining: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list removal candidates: %w", err)
	}

	var selected []registry.Instance
	for _, inst := range all {
		if len(selected) >= budget {
			return selected, nil
		}
		if !inst.Healthy {
			selected = append(selected, inst)
		}
	}

	var idle []registry.Instance
	for _, inst := range all {
		if inst.Healthy && withinDown(inst, s.cfg.ScaleDown) {
			idle = append(idle, inst)
		}
	}
	// Least loaded first; ties go to the instance heard from least
	// recently.
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].ActiveRequests != idle[j].ActiveRequests {
			return idle[i].ActiveRequests < idle[j].ActiveRequests
		}
		return idle[i].LastHeartbeat.Before(idle[j].LastHeartbeat)
	})
	for _, inst := range idle {
		if len(selected) >= budget {
			break
		}
		selected = append(selected, inst)
	}
	return selected, nil
}

// exceeds checks an instance's telemetry against the scale-up thresholds.
// It returns the first metric over its threshold.
func exceeds(inst registry.Instance, t config.Thresholds) (metric string, value, threshold float64, ok bool) {
	checks := []struct {
		metric string
		value  float64
	}{
		{"cpu", inst.CurrentCPU},
		{"memory", inst.CurrentMemory},
		{"disk", inst.CurrentDisk},
	}
	for _, c := range checks {
		if thr, enabled := t.Metric(c.metric); enabled && c.value > thr {
			return c.metric, c.value, thr, true
		}
	}
	return "", 0, 0, false
}

// withinDown reports whether every enabled metric is at or below its
// scale-down threshold.
func withinDown(inst registry.Instance, t config.Thresholds) bool {
	checks := []struct {
		metric string
		value  float64
	}{
		{"cpu", inst.CurrentCPU},
		{"memory", inst.CurrentMemory},
		{"disk", inst.CurrentDisk},
	}
	for _, c := range checks {
		if thr, enabled := t.Metric(c.metric); enabled && c.value > thr {
			return false
		}
	}
	return true
}

func inCooldown(now, last time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < cooldown
}
