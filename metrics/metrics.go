// Package metrics is the in-process observability pipeline: named time
// series over bounded rings, a rule-driven alert engine with cooldown and
// acknowledgement, and a Prometheus bridge for scraping. Components feed it
// through the narrow Increment/Observe surface; the degradation controller
// and admin handlers read it back.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Manager owns every registered series, the alert rules and the Prometheus
// bridge. Safe for concurrent use.
type Manager struct {
	redisClient *redis.Client
	logger      *logharbour.Logger
	prom        *PrometheusMetrics
	ringSize    int

	mu     sync.Mutex
	series map[string]*Series
	rules  map[string]*ruleState
	alerts map[string]*Alert
}

// NewManager creates a Manager. redisClient may be nil (no alert mirror);
// prom may be nil (no Prometheus export); ringSize 0 uses the default.
func NewManager(redisClient *redis.Client, logger *logharbour.Logger, prom *PrometheusMetrics, ringSize int) *Manager {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Manager{
		redisClient: redisClient,
		logger:      logger,
		prom:        prom,
		ringSize:    ringSize,
		series:      make(map[string]*Series),
		rules:       make(map[string]*ruleState),
		alerts:      make(map[string]*Alert),
	}
}

// RegisterSeries declares a named series ahead of use so description and
// unit are available to the admin surface. Recording against an unregistered
// name auto-registers a bare series.
func (m *Manager) RegisterSeries(name, description, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.series[name]; !exists {
		m.series[name] = NewSeries(name, description, unit, m.ringSize)
	}
}

// Lookup returns a registered series, or nil.
func (m *Manager) Lookup(name string) *Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series[name]
}

// SeriesNames lists every registered series name.
func (m *Manager) SeriesNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.series))
	for name := range m.series {
		out = append(out, name)
	}
	return out
}

// Record appends a point to the named series and forwards it to the
// Prometheus bridge.
func (m *Manager) Record(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	s, exists := m.series[name]
	if !exists {
		s = NewSeries(name, "", "", m.ringSize)
		m.series[name] = s
	}
	m.mu.Unlock()

	s.Append(Point{Timestamp: time.Now(), Value: value, Tags: tags})

	if m.prom != nil {
		m.prom.Forward(name, value, tags)
	}
}

// Increment records a counter bump of one. Implements jobs.MetricsSink.
func (m *Manager) Increment(name string, tags map[string]string) {
	m.Record(name, 1, tags)
}

// Observe records a measured value. Implements jobs.MetricsSink.
func (m *Manager) Observe(name string, value float64, tags map[string]string) {
	m.Record(name, value, tags)
}

// FailureRate reports a service's downstream failure fraction over the
// window, computed from the downstream.calls.total series. Implements the
// degradation controller's FailureRateReader.
func (m *Manager) FailureRate(serviceName string, window time.Duration) float64 {
	s := m.Lookup("downstream.calls.total")
	if s == nil {
		return 0
	}
	points := s.Window(time.Now().Add(-window))
	var total, failed float64
	for _, p := range points {
		if p.Tags["service"] != serviceName {
			continue
		}
		total += p.Value
		if p.Tags["outcome"] == "error" {
			failed += p.Value
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

// CoreSeries registers the metric series the core is required to publish,
// so they exist with descriptions before the first data point.
func (m *Manager) CoreSeries() {
	core := []struct{ name, desc, unit string }{
		{"jobs.created.total", "Jobs submitted", "count"},
		{"jobs.processed.total", "Jobs completed successfully", "count"},
		{"jobs.failed.total", "Job attempts that failed", "count"},
		{"jobs.queue.size", "Queued jobs per queue", "jobs"},
		{"jobs.retry.count", "Retries scheduled", "count"},
		{"jobs.dlq.size", "Dead-letter entries per queue", "entries"},
		{"jobs.orphan.requeued", "Jobs requeued after lease expiry", "count"},
		{"jobs.processing.duration", "Per-job processing time", "ms"},
		{"worker.active.count", "Active workers", "workers"},
		{"worker.heartbeat.age.p95", "95th percentile heartbeat age", "ms"},
		{"circuit.state", "Breaker state per service (0 closed, 1 half, 2 open)", "state"},
		{"degradation.level", "Overall degradation level", "level"},
		{"downstream.calls.total", "Downstream service calls", "count"},
		{"downstream.call.duration", "Downstream call latency", "ms"},
		{"errors.classified.total", "Classified errors per category", "count"},
	}
	for _, c := range core {
		m.RegisterSeries(c.name, c.desc, c.unit)
	}
}

// promName converts a dotted series name to a Prometheus-safe identifier.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
