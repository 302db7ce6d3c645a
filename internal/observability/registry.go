package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// so components never touch the global Prometheus collectors directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Slot lifecycle metrics
	IncrementLoads(format, outcome string)
	RecordLoadLatency(format, outcome string, duration time.Duration)
	IncrementShows(format, outcome string)
	IncrementEvent(format, event string)
	IncrementStaleDiscards(format string)
	IncrementLateEvents(format string)

	// Extras registry metrics
	IncrementExtrasSkipped(reason string)
	IncrementConsentOutcome(network, status string)

	// Dispatcher metrics
	SetDispatchQueueDepth(depth int)
	IncrementDispatchTasks(result string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Slot lifecycle metrics
func (r *PrometheusRegistry) IncrementLoads(format, outcome string) {
	LoadCount.WithLabelValues(format, outcome).Inc()
}

func (r *PrometheusRegistry) RecordLoadLatency(format, outcome string, duration time.Duration) {
	LoadLatency.WithLabelValues(format, outcome).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementShows(format, outcome string) {
	ShowCount.WithLabelValues(format, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementEvent(format, event string) {
	LifecycleEvents.WithLabelValues(format, event).Inc()
}

func (r *PrometheusRegistry) IncrementStaleDiscards(format string) {
	StaleDiscards.WithLabelValues(format).Inc()
}

func (r *PrometheusRegistry) IncrementLateEvents(format string) {
	LateEvents.WithLabelValues(format).Inc()
}

// Extras registry metrics
func (r *PrometheusRegistry) IncrementExtrasSkipped(reason string) {
	ExtrasSkipped.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementConsentOutcome(network, status string) {
	ConsentOutcomes.WithLabelValues(network, status).Inc()
}

// Dispatcher metrics
func (r *PrometheusRegistry) SetDispatchQueueDepth(depth int) {
	DispatchQueueDepth.Set(float64(depth))
}

func (r *PrometheusRegistry) IncrementDispatchTasks(result string) {
	DispatchTasks.WithLabelValues(result).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementLoads(format, outcome string)                                {}
func (r *NoOpRegistry) RecordLoadLatency(format, outcome string, duration time.Duration)     {}
func (r *NoOpRegistry) IncrementShows(format, outcome string)                                {}
func (r *NoOpRegistry) IncrementEvent(format, event string)                                  {}
func (r *NoOpRegistry) IncrementStaleDiscards(format string)                                 {}
func (r *NoOpRegistry) IncrementLateEvents(format string)                                    {}
func (r *NoOpRegistry) IncrementExtrasSkipped(reason string)                                 {}
func (r *NoOpRegistry) IncrementConsentOutcome(network, status string)                       {}
func (r *NoOpRegistry) SetDispatchQueueDepth(depth int)                                      {}
func (r *NoOpRegistry) IncrementDispatchTasks(result string)                                 {}
