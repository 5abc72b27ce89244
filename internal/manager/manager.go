// Package manager wraps the container runtime: instance lifecycle, health
// checks, telemetry collection, keep-alive and stale cleanup. It corrects
// registry state on runtime failures but makes no scaling decisions.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/metrics"
	"github.com/abhi-arya1/autoscaled/internal/registry"
	"github.com/abhi-arya1/autoscaled/internal/runtime"
)

// Monitorz is the telemetry payload served by a worker's monitor endpoint.
// All values are percentages on a 0-100 scale.
type Monitorz struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
}

// Manager drives the container runtime on behalf of the controller.
type Manager struct {
	runtime  runtime.Runtime
	registry *registry.Registry
	cfg      *config.Config

	healthURL string // monitor-port base + monitoring endpoint path
}

// New creates an instance manager.
func New(rt runtime.Runtime, reg *registry.Registry, cfg *config.Config) *Manager {
	return &Manager{
		runtime:   rt,
		registry:  reg,
		cfg:       cfg,
		healthURL: healthURL(cfg.MonitorzURL, cfg.MonitoringEndpoint),
	}
}

// healthURL builds the in-container health check URL: the monitoring
// endpoint path on the same port that serves monitorz.
func healthURL(monitorzURL, endpoint string) string {
	u, err := url.Parse(monitorzURL)
	if err != nil {
		return "http://localhost:81" + endpoint
	}
	u.Path = endpoint
	u.RawQuery = ""
	return u.String()
}

// CreateInstance mints a fresh instance name, starts a container for it,
// waits for its ports and records it in the registry. The caller owns the
// capacity slot and releases it if an error is returned.
func (m *Manager) CreateInstance(ctx context.Context, now time.Time) (runtime.Handle, error) {
	name := uuid.New().String()[:8]

	handle, err := m.runtime.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain handle for %s: %w", name, err)
	}
	if err := handle.StartAndWaitForPorts(ctx); err != nil {
		return nil, fmt.Errorf("failed to start instance %s: %w", name, err)
	}
	if _, err := m.registry.RecordInstance(ctx, name, 0, true, now); err != nil {
		// The container is up but untracked; destroy it rather than leak.
		_ = handle.Destroy(ctx)
		return nil, err
	}
	log.Printf("manager: created instance %s", name)
	return handle, nil
}

// DestroyInstance removes an instance's container. The registry record is
// always removed, even when the runtime destroy fails: the next cleanup
// pass deals with any remnant.
func (m *Manager) DestroyInstance(ctx context.Context, name string) error {
	handle, err := m.runtime.GetByName(ctx, name)
	if err == nil {
		if derr := handle.Destroy(ctx); derr != nil {
			log.Printf("manager: failed to destroy container for %s: %v", name, derr)
		}
	}
	if err := m.registry.RemoveInstance(ctx, name); err != nil {
		return err
	}
	log.Printf("manager: destroyed instance %s", name)
	return nil
}

// ReplaceInstance destroys an unhealthy instance and creates a fresh one in
// its place. Used when a selected instance is dead and no extra capacity
// slot could be reserved.
func (m *Manager) ReplaceInstance(ctx context.Context, old runtime.Handle, now time.Time) (runtime.Handle, error) {
	if err := m.DestroyInstance(ctx, old.Name()); err != nil {
		log.Printf("manager: failed to remove %s during replace: %v", old.Name(), err)
	}
	return m.CreateInstance(ctx, now)
}

// PerformHealthCheck probes an instance's health endpoint and updates the
// registry. An instance is marked unhealthy only after the configured number
// of consecutive failures. Returns the instance's resulting health.
func (m *Manager) PerformHealthCheck(ctx context.Context, handle runtime.Handle, name string, now time.Time) (bool, error) {
	resp, err := handle.ContainerFetch(ctx, m.healthURL)
	ok := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp != nil {
		resp.Body.Close()
	}

	if ok {
		if err := m.registry.UpdateHealth(ctx, name, true, 0, now); err != nil {
			return true, err
		}
		return true, nil
	}

	metrics.HealthCheckFailuresTotal.Inc()
	inst, gerr := m.registry.GetInstance(ctx, name)
	if gerr != nil {
		return false, gerr
	}
	failures := inst.HealthCheckFailures + 1
	healthy := failures < m.cfg.HealthCheckRetries
	if !healthy && inst.Healthy {
		log.Printf("manager: instance %s marked unhealthy after %d failed checks", name, failures)
	}
	if err := m.registry.UpdateHealth(ctx, name, healthy, failures, now); err != nil {
		return healthy, err
	}
	return healthy, nil
}

// FetchMonitorz retrieves resource telemetry from an instance.
func (m *Manager) FetchMonitorz(ctx context.Context, handle runtime.Handle) (*Monitorz, error) {
	resp, err := handle.ContainerFetch(ctx, m.cfg.MonitorzURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch monitorz for %s: %w", handle.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("monitorz for %s returned status %d", handle.Name(), resp.StatusCode)
	}
	var mz Monitorz
	if err := json.NewDecoder(resp.Body).Decode(&mz); err != nil {
		return nil, fmt.Errorf("failed to decode monitorz for %s: %w", handle.Name(), err)
	}
	return &mz, nil
}

// CollectMetrics fetches monitorz for an instance and stores the telemetry.
func (m *Manager) CollectMetrics(ctx context.Context, handle runtime.Handle, name string, now time.Time) error {
	mz, err := m.FetchMonitorz(ctx, handle)
	if err != nil {
		return err
	}
	return m.registry.UpdateMetrics(ctx, name, mz.CPUUsage, mz.MemoryUsage, mz.DiskUsage, now)
}

// KeepAlive issues a fire-and-forget hit to the monitoring endpoint of each
// given instance, refreshing its heartbeat on success. The hits run
// detached so the heartbeat pass is not serialized behind slow workers.
func (m *Manager) KeepAlive(instances []registry.Instance, now time.Time) {
	for _, inst := range instances {
		name := inst.Name
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			handle, err := m.runtime.GetByName(ctx, name)
			if err != nil {
				return
			}
			resp, err := handle.ContainerFetch(ctx, m.healthURL)
			if err != nil {
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				_ = m.registry.UpdateHeartbeat(ctx, name, now)
			}
		}()
	}
}

// CleanupStaleInstances removes registry records whose containers the
// runtime no longer knows. Returns the names cleaned; the caller resyncs
// the capacity counter when any were.
func (m *Manager) CleanupStaleInstances(ctx context.Context) ([]string, error) {
	instances, err := m.registry.ListInstances(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for _, inst := range instances {
		handle, err := m.runtime.GetByName(ctx, inst.Name)
		if err != nil {
			continue
		}
		if _, err := handle.State(ctx); errors.Is(err, runtime.ErrNotFound) {
			if rerr := m.registry.RemoveInstance(ctx, inst.Name); rerr != nil {
				log.Printf("manager: failed to remove stale record %s: %v", inst.Name, rerr)
				continue
			}
			cleaned = append(cleaned, inst.Name)
		}
	}
	if len(cleaned) > 0 {
		log.Printf("manager: cleaned %d stale instance(s): %s", len(cleaned), strings.Join(cleaned, ", "))
	}
	return cleaned, nil
}

// Lookup returns the runtime handle for a registered instance name.
func (m *Manager) Lookup(ctx context.Context, name string) (runtime.Handle, error) {
	return m.runtime.GetByName(ctx, name)
}
