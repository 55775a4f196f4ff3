// Package metrics exposes the monitor's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

const namespace = "upgrade_monitor"

// Metrics holds every collector the monitor updates
type Metrics struct {
	registry *prometheus.Registry

	JobEvents       *prometheus.CounterVec
	Upgrades        *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	WatchRestarts   prometheus.Counter
	TrackedJobs     prometheus.Gauge
	LastEventUnix   prometheus.Gauge
	UpgradeDuration *prometheus.HistogramVec
}

// New creates a registry with the monitor's collectors plus the Go runtime,
// process and build info collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Kubernetes job watch events handled, by event type.",
		}, []string{"type"}),

		Upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "Upgrade transitions observed, by node type and phase.",
		}, []string{"node_type", "phase"}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "ntfy notifications, by result (sent, failed, skipped).",
		}, []string{"result"}),

		WatchRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_restarts_total",
			Help:      "Times the job watch was re-established.",
		}),

		TrackedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_jobs",
			Help:      "Upgrade jobs currently held in the state table.",
		}),

		LastEventUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_event_timestamp_seconds",
			Help:      "Unix time of the last handled watch event.",
		}),

		UpgradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upgrade_duration_seconds",
			Help:      "Duration of completed upgrade jobs.",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"node_type"}),
	}

	m.registry.MustRegister(
		m.JobEvents,
		m.Upgrades,
		m.Notifications,
		m.WatchRestarts,
		m.TrackedJobs,
		m.LastEventUnix,
		m.UpgradeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		version.NewCollector(namespace),
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Router returns the metrics HTTP routes
func (m *Metrics) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	return router
}

// Server builds the metrics HTTP server. The caller starts it with
// ListenAndServe and stops it with Shutdown.
func (m *Metrics) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      m.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Serve starts the metrics server in the background and returns it
func (m *Metrics) Serve(addr string, logger *logging.Logger) *http.Server {
	srv := m.Server(addr)
	go func() {
		logger.Info("metrics server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return srv
}
