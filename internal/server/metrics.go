package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actionserver/internal/store"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_server_runs_total",
			Help: "Total number of terminal runs by status",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "action_server_run_duration_seconds",
			Help:    "Run wall time from dispatch to terminal status in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	poolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "action_server_pool_workers",
			Help: "Worker processes by slot state",
		},
		[]string{"state"},
	)

	poolEnvironments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "action_server_pool_environments",
			Help: "Environments with a live worker arena",
		},
	)

	poolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "action_server_pool_waiters",
			Help: "Submissions queued for a worker",
		},
	)

	busSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "action_server_bus_subscribers",
			Help: "Live event bus subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(poolWorkers)
	prometheus.MustRegister(poolEnvironments)
	prometheus.MustRegister(poolWaiters)
	prometheus.MustRegister(busSubscribers)
}

// ObserveRun records one terminal run. Wired into the lifecycle manager so
// every run counts exactly once, whichever surface submitted it. Runs
// cancelled before dispatch carry no duration and skip the histogram.
func ObserveRun(status store.RunStatus, duration time.Duration) {
	runsTotal.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		runDuration.Observe(duration.Seconds())
	}
}

// handleMetrics refreshes the point-in-time gauges, then serves the registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Pool.Stats()
	poolWorkers.WithLabelValues("starting").Set(float64(st.Starting))
	poolWorkers.WithLabelValues("idle").Set(float64(st.Idle))
	poolWorkers.WithLabelValues("busy").Set(float64(st.Busy))
	poolEnvironments.Set(float64(st.Environments))
	poolWaiters.Set(float64(st.Waiters))
	busSubscribers.Set(float64(s.deps.Bus.SubscriberCount()))
	s.promHandler.ServeHTTP(w, r)
}

func newPromHandler() http.Handler {
	return promhttp.Handler()
}
