package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics bridges the in-memory series to Prometheus collectors.
// Collectors are created lazily on the first observation of a name; the
// label set is fixed by that first observation, later observations with
// extra tags drop the unknown ones.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu            sync.Mutex
	counterVecs   map[string]*prometheus.CounterVec
	gaugeVecs     map[string]*prometheus.GaugeVec
	histogramVecs map[string]*prometheus.HistogramVec
	labelNames    map[string][]string
}

// NewPrometheusMetrics creates the bridge with its own registry so tests can
// run several instances side by side.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:      prometheus.NewRegistry(),
		counterVecs:   make(map[string]*prometheus.CounterVec),
		gaugeVecs:     make(map[string]*prometheus.GaugeVec),
		histogramVecs: make(map[string]*prometheus.HistogramVec),
		labelNames:    make(map[string][]string),
	}
}

// Forward records one observation. The collector kind is derived from the
// series name: *.total and *.count are counters, *.duration are histograms,
// everything else is a gauge.
func (p *PrometheusMetrics) Forward(name string, value float64, tags map[string]string) {
	labels := labelKeys(tags)

	p.mu.Lock()
	known, exists := p.labelNames[name]
	if !exists {
		p.register(name, labels)
		known = labels
	}
	p.mu.Unlock()

	values := make([]string, len(known))
	for i, k := range known {
		values[i] = tags[k]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counterVecs[name]; ok {
		c.WithLabelValues(values...).Add(value)
		return
	}
	if h, ok := p.histogramVecs[name]; ok {
		h.WithLabelValues(values...).Observe(value)
		return
	}
	if g, ok := p.gaugeVecs[name]; ok {
		g.WithLabelValues(values...).Set(value)
	}
}

// register creates the collector for a name. Caller holds the lock.
func (p *PrometheusMetrics) register(name string, labels []string) {
	pn := promName(name)
	p.labelNames[name] = labels

	switch {
	case strings.HasSuffix(name, ".total") || strings.HasSuffix(name, ".count"):
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: pn,
			Help: name,
		}, labels)
		p.registry.MustRegister(vec)
		p.counterVecs[name] = vec
	case strings.HasSuffix(name, ".duration"):
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    pn,
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		}, labels)
		p.registry.MustRegister(vec)
		p.histogramVecs[name] = vec
	default:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: pn,
			Help: name,
		}, labels)
		p.registry.MustRegister(vec)
		p.gaugeVecs[name] = vec
	}
}

// Handler returns the scrape endpoint for this bridge's registry.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func labelKeys(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
