package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsRegistered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_registered_total", Help: "Jobs accepted by the front door"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Registrations rejected by the rate limiter"})
	JobsDispatched   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_dispatched_total", Help: "Jobs armed by the dispatcher"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_done_total", Help: "Jobs that reached DONE"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_failed_total", Help: "Jobs that reached ERROR"})
	JobsKilled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_killed_total", Help: "Runs abandoned after a kill"})
	FetchRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_fetch_retries_total", Help: "Retried fetch or query attempts"})
	ScanErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_scan_errors_total", Help: "Scan ticks skipped because the store failed"})
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reports_delivery_failures_total", Help: "Failed artifact deliveries by sink"}, []string{"sink"})
	RunDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "reports_run_seconds", Help: "Task runner wall time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})

	PoolActive   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_pool_active", Help: "Task runners currently executing"})
	PoolQueued   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_pool_queued", Help: "Task runners waiting for a slot"})
	ArmedTimers  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_armed_timers", Help: "Jobs held by the dispatcher"})
	ProcessRSS   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_process_rss_bytes", Help: "Resident set size of the coordinator"})
	HostMemUsed  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_host_memory_used_percent", Help: "Host memory in use"})
	PoolComplete = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_pool_completed", Help: "Task runners finished since start"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsRegistered,
			RateLimitRejects,
			JobsDispatched,
			JobsSucceeded,
			JobsFailed,
			JobsKilled,
			FetchRetries,
			ScanErrors,
			DeliveryFailures,
			RunDuration,
			PoolActive,
			PoolQueued,
			PoolComplete,
			ArmedTimers,
			ProcessRSS,
			HostMemUsed,
		)
	})
	return promhttp.Handler()
}
