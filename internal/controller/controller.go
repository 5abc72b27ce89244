// Package controller hosts the singleton control plane: it serves request
// traffic, runs the periodic heartbeat, and orchestrates the registry,
// router, scaler and instance manager. One controller owns the registry
// database; mutations that change fleet size are serialized on the
// controller's lock, and everything else relies on the registry's atomic
// single-statement operations.
package controller

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/manager"
	"github.com/abhi-arya1/autoscaled/internal/metrics"
	"github.com/abhi-arya1/autoscaled/internal/registry"
	"github.com/abhi-arya1/autoscaled/internal/router"
	"github.com/abhi-arya1/autoscaled/internal/runtime"
	"github.com/abhi-arya1/autoscaled/internal/scaler"
)

// retryAfterWarming is sent with 503 responses while a fresh instance is
// warming, so clients come back once it can serve.
const retryAfterWarming = "5"

// Controller is the singleton actor.
type Controller struct {
	cfg      *config.Config
	registry *registry.Registry
	manager  *manager.Manager
	router   *router.Router
	scaler   *scaler.Scaler

	// mu serializes fleet-size mutations: warm-up, scale-ups,
	// replacement decisions, draining and removal. Request counters and
	// telemetry go straight to the registry, whose statements are atomic.
	mu sync.Mutex

	// wg tracks detached work (request-counter decrements, background
	// scale-ups) so Stop can wait for it.
	wg sync.WaitGroup

	heartbeat *time.Timer
	stopped   chan struct{}
	stopOnce  sync.Once

	now func() time.Time
}

// New wires up a controller. Call Init before serving.
func New(cfg *config.Config, reg *registry.Registry, mgr *manager.Manager) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: reg,
		manager:  mgr,
		router:   router.New(reg, cfg),
		scaler:   scaler.New(reg, cfg),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

// Init brings the persisted view in line with the runtime and warms the
// fleet to its floor. It runs to completion before any traffic is served.
func (ct *Controller) Init(ctx context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if err := ct.registry.Migrate(ctx, ct.cfg.MaxInstances); err != nil {
		return err
	}

	cleaned, err := ct.manager.CleanupStaleInstances(ctx)
	if err != nil {
		return err
	}
	if len(cleaned) > 0 {
		if err := ct.registry.SyncCapacity(ctx); err != nil {
			return err
		}
	}

	ct.scheduleHeartbeat()

	// Warm up to the configured floor. Each iteration reserves a slot
	// first so a concurrent trigger can never push the fleet past max.
	for i := 0; i < ct.cfg.MinInstances; i++ {
		count, err := ct.registry.InstanceCount(ctx, false)
		if err != nil {
			return err
		}
		if count >= ct.cfg.MinInstances {
			break
		}
		ok, err := ct.registry.TryReserveSlot(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if _, err := ct.manager.CreateInstance(ctx, ct.now()); err != nil {
			log.Printf("controller: warm-up create failed: %v", err)
			_ = ct.registry.ReleaseSlot(ctx)
			break
		}
	}
	return nil
}

// Stop halts the heartbeat and waits for detached work to finish.
func (ct *Controller) Stop() {
	ct.stopOnce.Do(func() {
		close(ct.stopped)
		ct.mu.Lock()
		if ct.heartbeat != nil {
			ct.heartbeat.Stop()
		}
		ct.mu.Unlock()
		ct.wg.Wait()
	})
}

// Register mounts the controller's HTTP surface: the monitoring endpoint
// returns the fleet snapshot, everything else routes to a worker.
func (ct *Controller) Register(e *echo.Echo) {
	e.GET(ct.cfg.MonitoringEndpoint, ct.handleSnapshot)
	e.Any("/*", ct.handleRequest)
}

// Snapshot is the monitoring endpoint payload.
type Snapshot struct {
	InstanceCount int                 `json:"instanceCount"`
	CurrentCount  int                 `json:"currentCount"`
	MaxCount      int                 `json:"maxCount"`
	Instances     []registry.Instance `json:"instances"`
}

func (ct *Controller) handleSnapshot(c echo.Context) error {
	ctx := c.Request().Context()
	instances, err := ct.registry.ListInstances(ctx, registry.Filter{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read registry")
	}
	cur, max, err := ct.registry.Capacity(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read capacity")
	}
	if instances == nil {
		instances = []registry.Instance{}
	}
	return c.JSON(http.StatusOK, Snapshot{
		InstanceCount: len(instances),
		CurrentCount:  cur,
		MaxCount:      max,
		Instances:     instances,
	})
}

// handleRequest is the fetch path: select a target, repair it if the
// runtime disagrees with the registry, count the request, maybe trigger an
// optimistic scale-up, and forward.
func (ct *Controller) handleRequest(c echo.Context) error {
	ctx := c.Request().Context()
	now := ct.now()

	inst, err := ct.router.SelectInstance(ctx)
	if err != nil {
		log.Printf("controller: selection failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if inst == nil {
		return ct.respondWarming(ctx, c)
	}

	handle, st, err := ct.resolveHandle(ctx, inst.Name)
	if errors.Is(err, runtime.ErrNotFound) {
		// The runtime lost the container; purge and retry selection once.
		ct.purgeStale(ctx)
		inst, err = ct.router.SelectInstance(ctx)
		if err != nil || inst == nil {
			return ct.respondWarming(ctx, c)
		}
		handle, st, err = ct.resolveHandle(ctx, inst.Name)
	}
	if err != nil {
		log.Printf("controller: failed to resolve instance %s: %v", inst.Name, err)
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}

	name := inst.Name
	if !st.Routable() {
		handle, err = ct.replaceForRequest(ctx, handle, now)
		if err != nil {
			log.Printf("controller: failed to replace unhealthy instance %s: %v", name, err)
			return echo.NewHTTPError(http.StatusServiceUnavailable)
		}
		name = handle.Name()
	}

	previous, err := ct.registry.IncrementRequests(ctx, name, now, true, 1)
	if err != nil {
		log.Printf("controller: failed to count request on %s: %v", name, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	if ct.router.CheckOptimisticScaleUp(name, previous) {
		ct.detach(func(ctx context.Context) {
			ct.scaleUp(ctx, "optimistic")
		})
	}

	fetchErr := handle.Fetch(c.Response(), c.Request())

	// The decrement always runs, detached, whether the forward worked or
	// not; otherwise a failed upstream would leak load forever.
	ct.detach(func(ctx context.Context) {
		if err := ct.registry.DecrementRequests(ctx, name, ct.now()); err != nil {
			log.Printf("controller: failed to decrement requests on %s: %v", name, err)
		}
	})

	if fetchErr != nil {
		log.Printf("controller: forward to %s failed: %v", name, fetchErr)
		metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(c.Response().Status)).Inc()
	return nil
}

// respondWarming tries to admit a fresh instance for the empty pool and
// tells the client to retry shortly. 503 either way; Retry-After only when
// an instance is actually warming.
func (ct *Controller) respondWarming(ctx context.Context, c echo.Context) error {
	ok, err := ct.registry.TryReserveSlot(ctx)
	if err != nil {
		log.Printf("controller: slot reservation failed: %v", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}

	ct.detach(func(ctx context.Context) {
		ct.mu.Lock()
		defer ct.mu.Unlock()
		if _, err := ct.manager.CreateInstance(ctx, ct.now()); err != nil {
			log.Printf("controller: on-demand create failed: %v", err)
			_ = ct.registry.ReleaseSlot(ctx)
		}
	})

	c.Response().Header().Set("Retry-After", retryAfterWarming)
	return echo.NewHTTPError(http.StatusServiceUnavailable, "no instance available, pool is warming")
}

// resolveHandle looks up the runtime handle and its current state.
func (ct *Controller) resolveHandle(ctx context.Context, name string) (runtime.Handle, runtime.State, error) {
	handle, err := ct.manager.Lookup(ctx, name)
	if err != nil {
		return nil, runtime.State{}, err
	}
	st, err := handle.State(ctx)
	if err != nil {
		return nil, runtime.State{}, err
	}
	return handle, st, nil
}

// purgeStale runs a cleanup pass and resyncs capacity when records went.
func (ct *Controller) purgeStale(ctx context.Context) {
	cleaned, err := ct.manager.CleanupStaleInstances(ctx)
	if err != nil {
		log.Printf("controller: stale cleanup failed: %v", err)
		return
	}
	if len(cleaned) > 0 {
		if err := ct.registry.SyncCapacity(ctx); err != nil {
			log.Printf("controller: capacity sync failed: %v", err)
		}
	}
}

// replaceForRequest makes a routable instance out of a dead selection:
// with spare capacity a brand-new instance is created alongside, otherwise
// the dead one is replaced in place.
func (ct *Controller) replaceForRequest(ctx context.Context, old runtime.Handle, now time.Time) (runtime.Handle, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ok, err := ct.registry.TryReserveSlot(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		handle, err := ct.manager.CreateInstance(ctx, now)
		if err != nil {
			_ = ct.registry.ReleaseSlot(ctx)
			return nil, err
		}
		return handle, nil
	}
	return ct.manager.ReplaceInstance(ctx, old, now)
}

// scaleUp reserves a slot, creates an instance and stamps the scale-up
// timestamp. The slot is released if the create fails; the timestamp is not
// advanced on failure so the next heartbeat retries.
func (ct *Controller) scaleUp(ctx context.Context, trigger string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.scaleUpLocked(ctx, trigger)
}

// detach queues a cooperative step that outlives the current request.
func (ct *Controller) detach(fn func(ctx context.Context)) {
	ct.wg.Add(1)
	go func() {
		defer ct.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		fn(ctx)
	}()
}
