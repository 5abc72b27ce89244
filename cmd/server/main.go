package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/abhi-arya1/autoscaled/internal/config"
	"github.com/abhi-arya1/autoscaled/internal/controller"
	"github.com/abhi-arya1/autoscaled/internal/manager"
	"github.com/abhi-arya1/autoscaled/internal/metrics"
	"github.com/abhi-arya1/autoscaled/internal/registry"
	"github.com/abhi-arya1/autoscaled/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open registry: %v", err)
	}
	defer reg.Close()
	log.Printf("autoscaled: registry data directory: %s", cfg.DataDir)

	rt, err := runtime.NewPodmanRuntime(cfg.Image, cfg.ContainerPort, monitorPort(cfg.MonitorzURL))
	if err != nil {
		log.Fatalf("failed to initialize podman: %v", err)
	}

	mgr := manager.New(rt, reg, cfg)
	ctrl := controller.New(cfg, reg, mgr)

	initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := ctrl.Init(initCtx); err != nil {
		cancel()
		log.Fatalf("failed to initialize controller: %v", err)
	}
	cancel()
	log.Printf("autoscaled: controller initialized (min=%d, max=%d, heartbeat=%s)",
		cfg.MinInstances, cfg.MaxInstances, cfg.HeartbeatInterval)

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr)
		log.Printf("autoscaled: metrics listening on %s", cfg.MetricsAddr)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	ctrl.Register(e)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("autoscaled: starting control plane on %s", addr)

	go func() {
		if err := e.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("autoscaled: shutting down...")
	ctrl.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("error closing server: %v", err)
	}
}

// monitorPort extracts the container-side port the monitor endpoint listens
// on (default 81).
func monitorPort(monitorzURL string) int {
	u, err := url.Parse(monitorzURL)
	if err != nil {
		return 81
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 81
}
