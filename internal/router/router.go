// Package router decides which instance serves a request and when a
// request-time scale-up is warranted. It reads the registry and never
// mutates anything.
package router

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/registry"
)

// Router is the request routing policy.
type Router struct {
	registry *registry.Registry
	cfg      *config.Config
}

// New creates a router over the given registry.
func New(reg *registry.Registry, cfg *config.Config) *Router {
	return &Router{registry: reg, cfg: cfg}
}

// SelectInstance picks the target for a request: the least-loaded healthy
// non-draining instance below the per-instance request cap. When every
// instance is at capacity it falls back to any healthy non-draining
// instance; with none of those it returns nil.
func (r *Router) SelectInstance(ctx context.Context) (*registry.Instance, error) {
	if r.cfg.MaxRequestsPerInstance > 0 {
		instances, err := r.registry.ListInstances(ctx, registry.Filter{
			HealthyOnly:   true,
			NotDraining:   true,
			BelowCapacity: r.cfg.MaxRequestsPerInstance,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to select instance: %w", err)
		}
		if len(instances) > 0 {
			return &instances[0], nil
		}
	}

	instances, err := r.registry.ListInstances(ctx, registry.Filter{
		HealthyOnly: true,
		NotDraining: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select instance: %w", err)
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// CheckOptimisticScaleUp reports whether incrementing from
// previousRequests crossed the capacity threshold from below. The
// transition test makes each crossing fire at most once, so a sustained
// full instance cannot retrigger scale-up on every request.
func (r *Router) CheckOptimisticScaleUp(name string, previousRequests int) bool {
	if r.cfg.MaxRequestsPerInstance <= 0 {
		return false
	}
	limit := int(math.Floor(float64(r.cfg.MaxRequestsPerInstance) * r.cfg.ScaleUpCapacityThreshold))
	if limit <= 0 {
		return false
	}
	if previousRequests < limit && previousRequests+1 >= limit {
		log.Printf("router: instance %s crossed capacity threshold (%d -> %d, limit %d)",
			name, previousRequests, previousRequests+1, limit)
		return true
	}
	return false
}

// AtCapacityCount returns how many healthy non-draining instances are at or
// over the per-instance request cap.
func (r *Router) AtCapacityCount(ctx context.Context) (int, error) {
	if r.cfg.MaxRequestsPerInstance <= 0 {
		return 0, nil
	}
	instances, err := r.registry.ListInstances(ctx, registry.Filter{
		HealthyOnly: true,
		NotDraining: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count at-capacity instances: %w", err)
	}
	n := 0
	for _, inst := range instances {
		if inst.ActiveRequests >= r.cfg.MaxRequestsPerInstance {
			n++
		}
	}
	return n, nil
}
