// Package health tracks the agent's ability to reach the ZFS API and exposes
// the /health and /metrics HTTP surface.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	SnapshotsCreated prometheus.Counter
	SnapshotsPruned  prometheus.Counter
	SyncsStarted     prometheus.Counter
	SyncsSucceeded   prometheus.Counter
	SyncsFailed      prometheus.Counter
	APIErrors        prometheus.Counter
	FailedTicks      prometheus.Gauge
}

// Tracker counts consecutive failed reconciliation ticks and reports the
// process unhealthy once the threshold is reached. A single successful tick
// resets it.
type Tracker struct {
	mu        sync.Mutex
	failures  int
	threshold int

	registry *prometheus.Registry
	metrics  *Metrics
}

// NewTracker creates a tracker that turns unhealthy after threshold
// consecutive failed ticks.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Tracker{
		threshold: threshold,
		registry:  registry,
		metrics: &Metrics{
			SnapshotsCreated: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_snapshots_created_total",
				Help: "Snapshots created by the agent.",
			}),
			SnapshotsPruned: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_snapshots_pruned_total",
				Help: "Snapshots destroyed by retention cleanup.",
			}),
			SyncsStarted: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_syncs_started_total",
				Help: "Replication jobs started.",
			}),
			SyncsSucceeded: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_syncs_succeeded_total",
				Help: "Replication jobs that completed successfully.",
			}),
			SyncsFailed: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_syncs_failed_total",
				Help: "Replication jobs that failed.",
			}),
			APIErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "autobackupd_api_errors_total",
				Help: "Errors talking to the ZFS API.",
			}),
			FailedTicks: factory.NewGauge(prometheus.GaugeOpts{
				Name: "autobackupd_consecutive_failed_ticks",
				Help: "Consecutive reconciliation ticks that could not reach the ZFS API.",
			}),
		},
	}
}

// Metrics returns the tracker's instruments.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// TickSucceeded records a tick that reached the ZFS API.
func (t *Tracker) TickSucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.metrics.FailedTicks.Set(0)
}

// TickFailed records a tick that could not reach the ZFS API.
func (t *Tracker) TickFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.metrics.FailedTicks.Set(float64(t.failures))
}

// Healthy reports whether the failure threshold has not been reached.
func (t *Tracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures < t.threshold
}

type healthResponse struct {
	Status             string `json:"status"`
	ConsecutiveFailed  int    `json:"consecutive_failed_ticks"`
	UnhealthyThreshold int    `json:"unhealthy_threshold"`
}

// Handler serves GET /health and GET /metrics.
func (t *Tracker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	return mux
}

func (t *Tracker) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	resp := healthResponse{
		Status:             "ok",
		ConsecutiveFailed:  t.failures,
		UnhealthyThreshold: t.threshold,
	}
	healthy := t.failures < t.threshold
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		resp.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
