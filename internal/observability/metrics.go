package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total API requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// API request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adslot_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// load() outcomes per format: started, invalid, in_progress, loaded,
	// succeeded, failed, closed
	LoadCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_loads_total",
			Help: "Total slot load requests by outcome",
		},
		[]string{"format", "outcome"},
	)

	// time from load() to the fetch completion
	LoadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adslot_load_duration_seconds",
			Help:    "Histogram of ad fetch durations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"format", "outcome"},
	)

	// show() outcomes per format: started, not_ready, closed
	ShowCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_shows_total",
			Help: "Total slot show requests by outcome",
		},
		[]string{"format", "outcome"},
	)

	// lifecycle events delivered to listeners
	LifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_events_total",
			Help: "Total lifecycle events delivered",
		},
		[]string{"format", "event"},
	)

	// ready resources dropped because they outlived their lifetime
	StaleDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_stale_discards_total",
			Help: "Total stale resources discarded",
		},
		[]string{"format"},
	)

	// vendor callbacks ignored because their resource was superseded
	LateEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_late_events_total",
			Help: "Total late vendor callbacks ignored",
		},
		[]string{"format"},
	)

	// extras parameters or bundles skipped, labelled by reason
	ExtrasSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_extras_skipped_total",
			Help: "Total network extras skipped",
		},
		[]string{"reason"},
	)

	// consent application results per network
	ConsentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_consent_outcomes_total",
			Help: "Total consent applications by network and status",
		},
		[]string{"network", "status"},
	)

	// tasks waiting on the lifecycle dispatcher
	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_dispatch_queue_depth",
			Help: "Tasks queued on the lifecycle dispatcher",
		},
	)

	// tasks run by the lifecycle dispatcher, labelled by result
	DispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_dispatch_tasks_total",
			Help: "Total dispatcher tasks executed",
		},
		[]string{"result"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		LoadCount,
		LoadLatency,
		ShowCount,
		LifecycleEvents,
		StaleDiscards,
		LateEvents,
		ExtrasSkipped,
		ConsentOutcomes,
		DispatchQueueDepth,
		DispatchTasks,
	)
}
