package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records counter increments in memory so tests can
// assert on them. Keys are the label values joined with "/".
type MockMetricsRegistry struct {
	mu       sync.Mutex
	counters map[string]int
	depth    int
}

// NewMockMetricsRegistry creates an empty MockMetricsRegistry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counters: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[key]++
}

// Count returns how many times the counter identified by key was incremented,
// e.g. Count("loads/banner/started").
func (m *MockMetricsRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// QueueDepth returns the last dispatcher depth reported.
func (m *MockMetricsRegistry) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests/" + endpoint + "/" + method + "/" + status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementLoads(format, outcome string) {
	m.inc("loads/" + format + "/" + outcome)
}
func (m *MockMetricsRegistry) RecordLoadLatency(format, outcome string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementShows(format, outcome string) {
	m.inc("shows/" + format + "/" + outcome)
}

func (m *MockMetricsRegistry) IncrementEvent(format, event string) {
	m.inc("events/" + format + "/" + event)
}

func (m *MockMetricsRegistry) IncrementStaleDiscards(format string) {
	m.inc("stale/" + format)
}

func (m *MockMetricsRegistry) IncrementLateEvents(format string) {
	m.inc("late/" + format)
}

func (m *MockMetricsRegistry) IncrementExtrasSkipped(reason string) {
	m.inc("extras_skipped/" + reason)
}

func (m *MockMetricsRegistry) IncrementConsentOutcome(network, status string) {
	m.inc("consent/" + network + "/" + status)
}

func (m *MockMetricsRegistry) SetDispatchQueueDepth(depth int) {
	m.mu.Lock()
	m.depth = depth
	m.mu.Unlock()
}

func (m *MockMetricsRegistry) IncrementDispatchTasks(result string) {
	m.inc("dispatch/" + result)
}
