package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscaled_instances",
			Help: "Number of registered instances by state",
		},
		[]string{"state"}, // "healthy", "unhealthy", "draining"
	)

	CapacityInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscaled_capacity_in_use",
			Help: "Current value of the capacity reservation counter",
		},
	)

	ScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaled_scale_events_total",
			Help: "Total scaling actions taken",
		},
		[]string{"direction", "trigger"}, // up/down, metrics/requests/optimistic/idle
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaled_proxy_requests_total",
			Help: "Requests forwarded to worker instances",
		},
		[]string{"status"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoscaled_health_check_failures_total",
			Help: "Total failed instance health checks",
		},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoscaled_heartbeat_duration_seconds",
			Help:    "Time for one heartbeat maintenance pass",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)
)

func init() {
	prometheus.MustRegister(
		Instances,
		CapacityInUse,
		ScaleEventsTotal,
		ProxyRequestsTotal,
		HealthCheckFailuresTotal,
		HeartbeatDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		// Metrics are non-critical; errors are dropped.
		_ = srv.ListenAndServe()
	}()
	return srv
}
