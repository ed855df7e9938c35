package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SimulationsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulations_submitted_total", Help: "Simulations created"})
	RunsStarted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulation_runs_started_total", Help: "Runs dispatched to the solver pool"})
	RunsFinished         = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulation_runs_finished_total", Help: "Runs that stored an artifact"})
	RunsFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "simulation_runs_failed_total", Help: "Runs that ended in Error, by failure class"}, []string{"reason"})
	RunsRejected         = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulation_runs_rejected_total", Help: "Run requests refused because the solver queue was full"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulations_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SolverDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulation_solver_seconds",
		Help:    "Wall time of solver invocations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"variant"})
	PoolQueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "simulation_pool_queue_depth", Help: "Runs waiting for a solver worker"})
	PoolBusyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "simulation_pool_busy_workers", Help: "Solver workers currently executing a run"})
	NotifyClients   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "simulation_notify_clients", Help: "Connected WebSocket clients"})
	NotifyDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "simulation_notify_dropped_total", Help: "Notifications dropped because a buffer was full"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SimulationsSubmitted,
			RunsStarted,
			RunsFinished,
			RunsFailed,
			RunsRejected,
			RateLimitRejects,
			SolverDuration,
			PoolQueueDepth,
			PoolBusyWorkers,
			NotifyClients,
			NotifyDropped,
		)
	})
	return promhttp.Handler()
}
