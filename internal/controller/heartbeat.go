package controller

import (
	"context"
	"log"
	"time"

	"github.com/abhi-arya1/autoscaled/internal/metrics"
	"github.com/abhi-arya1/autoscaled/internal/registry"
)

// scheduleHeartbeat arms the next maintenance pass. The next beat is armed
// at the end of the current one, never from a free-running ticker, so a
// slow pass can never overlap with its successor.
func (ct *Controller) scheduleHeartbeat() {
	select {
	case <-ct.stopped:
		return
	default:
	}
	ct.heartbeat = time.AfterFunc(ct.cfg.HeartbeatInterval, ct.Alarm)
}

// Alarm is the heartbeat: stale cleanup, keep-alive, health checks and
// telemetry, scaling decisions, and drain processing, in that order.
func (ct *Controller) Alarm() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	defer ct.scheduleHeartbeat()

	started := time.Now()
	defer func() {
		metrics.HeartbeatDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), ct.cfg.HeartbeatInterval)
	defer cancel()

	now := ct.now()

	cleaned, err := ct.manager.CleanupStaleInstances(ctx)
	if err != nil {
		log.Printf("controller: heartbeat cleanup failed: %v", err)
	} else if len(cleaned) > 0 {
		if err := ct.registry.SyncCapacity(ctx); err != nil {
			log.Printf("controller: capacity sync failed: %v", err)
		}
	}

	live, err := ct.registry.ListInstances(ctx, registry.Filter{HealthyOnly: true, NotDraining: true})
	if err != nil {
		log.Printf("controller: heartbeat list failed: %v", err)
		return
	}
	ct.manager.KeepAlive(live, now)

	all, err := ct.registry.ListInstances(ctx, registry.Filter{})
	if err != nil {
		log.Printf("controller: heartbeat list failed: %v", err)
		return
	}
	for _, inst := range all {
		handle, err := ct.manager.Lookup(ctx, inst.Name)
		if err != nil {
			continue
		}
		healthy, err := ct.manager.PerformHealthCheck(ctx, handle, inst.Name, now)
		if err != nil {
			log.Printf("controller: health check for %s failed: %v", inst.Name, err)
			continue
		}
		if healthy {
			if err := ct.manager.CollectMetrics(ctx, handle, inst.Name, now); err != nil {
				log.Printf("controller: telemetry for %s failed: %v", inst.Name, err)
			}
		}
	}

	if up, err := ct.scaler.ShouldScaleUpForMetrics(ctx, now); err != nil {
		log.Printf("controller: metric scale-up check failed: %v", err)
	} else if up {
		ct.scaleUpLocked(ctx, "metrics")
	} else if up, err := ct.scaler.ShouldScaleUpForRequests(ctx, now); err != nil {
		log.Printf("controller: request scale-up check failed: %v", err)
	} else if up {
		ct.scaleUpLocked(ctx, "requests")
	}

	if down, err := ct.scaler.ShouldScaleDown(ctx, now); err != nil {
		log.Printf("controller: scale-down check failed: %v", err)
	} else if down {
		removals, err := ct.scaler.SelectInstancesForRemoval(ctx, now)
		if err != nil {
			log.Printf("controller: removal selection failed: %v", err)
		} else if len(removals) > 0 {
			drained := 0
			for _, inst := range removals {
				if ct.drainInstance(ctx, inst.Name) {
					drained++
				}
			}
			if drained > 0 {
				if err := ct.registry.RecordScaleDown(ctx, ct.now()); err != nil {
					log.Printf("controller: failed to record scale-down: %v", err)
				}
				metrics.ScaleEventsTotal.WithLabelValues("down", "idle").Inc()
				log.Printf("controller: scaled down, draining %d instance(s)", drained)
			}
		}
	}

	ct.processDraining(ctx, all)
	ct.updateGauges(ctx)
}

// scaleUpLocked is scaleUp for callers already holding the actor lock.
func (ct *Controller) scaleUpLocked(ctx context.Context, trigger string) {
	ok, err := ct.registry.TryReserveSlot(ctx)
	if err != nil {
		log.Printf("controller: slot reservation failed: %v", err)
		return
	}
	if !ok {
		log.Printf("controller: scale-up (%s) skipped, fleet at capacity", trigger)
		return
	}
	if _, err := ct.manager.CreateInstance(ctx, ct.now()); err != nil {
		log.Printf("controller: scale-up (%s) create failed: %v", trigger, err)
		_ = ct.registry.ReleaseSlot(ctx)
		return
	}
	if err := ct.registry.RecordScaleUp(ctx, ct.now()); err != nil {
		log.Printf("controller: failed to record scale-up: %v", err)
	}
	metrics.ScaleEventsTotal.WithLabelValues("up", trigger).Inc()
	log.Printf("controller: scaled up (%s)", trigger)
}

// drainInstance advances one instance through the drain state machine.
// First call marks it draining; later calls destroy it once idle or once
// the drain timeout passes. Returns true when the instance was marked
// draining, stayed draining, or was destroyed; false only when the registry
// lookup or the draining mark failed.
func (ct *Controller) drainInstance(ctx context.Context, name string) bool {
	now := ct.now()
	inst, err := ct.registry.GetInstance(ctx, name)
	if err != nil {
		log.Printf("controller: drain lookup for %s failed: %v", name, err)
		return false
	}

	if !inst.Draining {
		if err := ct.registry.MarkDraining(ctx, name, now); err != nil {
			log.Printf("controller: failed to mark %s draining: %v", name, err)
			return false
		}
		log.Printf("controller: draining instance %s (%d in flight)", name, inst.ActiveRequests)
		return true
	}

	if inst.ActiveRequests == 0 {
		ct.finishDrain(ctx, name)
		return true
	}
	if now.Sub(inst.DrainingSince) >= ct.cfg.DrainTimeout {
		log.Printf("controller: drain timeout for %s, abandoning %d in-flight request(s)",
			name, inst.ActiveRequests)
		ct.finishDrain(ctx, name)
		return true
	}
	return true
}

func (ct *Controller) finishDrain(ctx context.Context, name string) {
	if err := ct.manager.DestroyInstance(ctx, name); err != nil {
		log.Printf("controller: failed to destroy drained instance %s: %v", name, err)
		return
	}
	if err := ct.registry.SyncCapacity(ctx); err != nil {
		log.Printf("controller: capacity sync failed: %v", err)
	}
}

// processDraining sweeps instances already draining: destroy once idle or
// once the timeout is exceeded.
func (ct *Controller) processDraining(ctx context.Context, all []registry.Instance) {
	now := ct.now()
	for _, inst := range all {
		if !inst.Draining {
			continue
		}
		if inst.ActiveRequests == 0 || now.Sub(inst.DrainingSince) >= ct.cfg.DrainTimeout {
			if inst.ActiveRequests > 0 {
				log.Printf("controller: drain timeout for %s, abandoning %d in-flight request(s)",
					inst.Name, inst.ActiveRequests)
			}
			ct.finishDrain(ctx, inst.Name)
		}
	}
}

// updateGauges refreshes the fleet gauges from the registry.
func (ct *Controller) updateGauges(ctx context.Context) {
	all, err := ct.registry.ListInstances(ctx, registry.Filter{})
	if err != nil {
		return
	}
	var healthy, unhealthy, draining float64
	for _, inst := range all {
		switch {
		case inst.Draining:
			draining++
		case inst.Healthy:
			healthy++
		default:
			unhealthy++
		}
	}
	metrics.Instances.WithLabelValues("healthy").Set(healthy)
	metrics.Instances.WithLabelValues("unhealthy").Set(unhealthy)
	metrics.Instances.WithLabelValues("draining").Set(draining)

	if cur, _, err := ct.registry.Capacity(ctx); err == nil {
		metrics.CapacityInUse.Set(float64(cur))
	}
}
