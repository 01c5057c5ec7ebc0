package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter represents a monotonically increasing counter metric
type Counter interface {
	Inc()
	Add(value float64)

	// WithLabels returns a counter bound to exactly these label values;
	// labels of the receiver are not carried over
	WithLabels(labels map[string]string) Counter
}

// Histogram represents a histogram metric for measuring distributions
type Histogram interface {
	Observe(value float64)
	WithLabels(labels map[string]string) Histogram
}

// Gauge represents a gauge metric that can go up and down
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(value float64)
	Sub(value float64)
	WithLabels(labels map[string]string) Gauge
}

// Metrics is the interface for metrics collection and exposure.
//
// Creating a metric that already exists returns the registered one, so
// callers can ask for the same name from several places.
type Metrics interface {
	Counter(name string, help string, labels ...string) Counter
	Histogram(name string, help string, buckets []float64, labels ...string) Histogram
	Gauge(name string, help string, labels ...string) Gauge

	// Handler serves the registry in the Prometheus exposition format
	Handler() http.Handler

	// Registry returns the underlying Prometheus registry
	Registry() *prometheus.Registry
}

// MetricsConfig contains configuration for metrics
type MetricsConfig struct {
	// Enabled false yields NoOpMetrics and no exposition endpoint
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path the admin server exposes the registry on
	Path string `json:"path" yaml:"path" validate:"required,startswith=/"`

	Namespace string `json:"namespace" yaml:"namespace"`
	Subsystem string `json:"subsystem" yaml:"subsystem"`

	// RuntimeCollectors registers the Go runtime and process collectors
	RuntimeCollectors bool `json:"runtime_collectors" yaml:"runtime_collectors"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,
		Path:              "/metrics",
		Namespace:         "jobsched",
		RuntimeCollectors: true,
	}
}

type prometheusMetrics struct {
	registry   *prometheus.Registry
	config     MetricsConfig
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with the default configuration
func NewMetrics() Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration
func NewMetricsWithConfig(config MetricsConfig) Metrics {
	if !config.Enabled {
		return NoOpMetrics()
	}

	registry := prometheus.NewRegistry()
	if config.RuntimeCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &prometheusMetrics{
		registry:   registry,
		config:     config,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Counter creates or retrieves a counter metric
func (m *prometheusMetrics) Counter(name string, help string, labels ...string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: m.config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	return &prometheusCounter{vec: vec, labelNames: labels}
}

// Histogram creates or retrieves a histogram metric
func (m *prometheusMetrics) Histogram(name string, help string, buckets []float64, labels ...string) Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: m.config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
	}
	return &prometheusHistogram{vec: vec, labelNames: labels}
}

// Gauge creates or retrieves a gauge metric
func (m *prometheusMetrics) Gauge(name string, help string, labels ...string) Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: m.config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	return &prometheusGauge{vec: vec, labelNames: labels}
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *prometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry
func (m *prometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// labelValues orders the values of labels by names; missing labels are empty
func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = labels[name]
	}
	return values
}

type prometheusCounter struct {
	vec        *prometheus.CounterVec
	labelNames []string
	bound      prometheus.Counter
}

func (c *prometheusCounter) metric() prometheus.Counter {
	if c.bound != nil {
		return c.bound
	}
	return c.vec.WithLabelValues(labelValues(c.labelNames, nil)...)
}

func (c *prometheusCounter) Inc()              { c.metric().Inc() }
func (c *prometheusCounter) Add(value float64) { c.metric().Add(value) }

func (c *prometheusCounter) WithLabels(labels map[string]string) Counter {
	return &prometheusCounter{
		vec:        c.vec,
		labelNames: c.labelNames,
		bound:      c.vec.WithLabelValues(labelValues(c.labelNames, labels)...),
	}
}

type prometheusHistogram struct {
	vec        *prometheus.HistogramVec
	labelNames []string
	bound      prometheus.Observer
}

func (h *prometheusHistogram) Observe(value float64) {
	if h.bound != nil {
		h.bound.Observe(value)
		return
	}
	h.vec.WithLabelValues(labelValues(h.labelNames, nil)...).Observe(value)
}

func (h *prometheusHistogram) WithLabels(labels map[string]string) Histogram {
	return &prometheusHistogram{
		vec:        h.vec,
		labelNames: h.labelNames,
		bound:      h.vec.WithLabelValues(labelValues(h.labelNames, labels)...),
	}
}

type prometheusGauge struct {
	vec        *prometheus.GaugeVec
	labelNames []string
	bound      prometheus.Gauge
}

func (g *prometheusGauge) metric() prometheus.Gauge {
	if g.bound != nil {
		return g.bound
	}
	return g.vec.WithLabelValues(labelValues(g.labelNames, nil)...)
}

func (g *prometheusGauge) Set(value float64) { g.metric().Set(value) }
func (g *prometheusGauge) Inc()              { g.metric().Inc() }
func (g *prometheusGauge) Dec()              { g.metric().Dec() }
func (g *prometheusGauge) Add(value float64) { g.metric().Add(value) }
func (g *prometheusGauge) Sub(value float64) { g.metric().Sub(value) }

func (g *prometheusGauge) WithLabels(labels map[string]string) Gauge {
	return &prometheusGauge{
		vec:        g.vec,
		labelNames: g.labelNames,
		bound:      g.vec.WithLabelValues(labelValues(g.labelNames, labels)...),
	}
}
