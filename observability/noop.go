package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// NoOpLogger returns a logger that drops every entry
func NoOpLogger() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field)               {}
func (noopLogger) Info(string, ...Field)                {}
func (noopLogger) Warn(string, ...Field)                {}
func (noopLogger) Error(string, error, ...Field)        {}
func (noopLogger) Critical(string, error, ...Field)     {}
func (l noopLogger) With(...Field) Logger               { return l }
func (l noopLogger) WithContext(context.Context) Logger { return l }

// NoOpMetrics discards every observation. Its handler answers 404 and its
// registry is empty.
func NoOpMetrics() Metrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) Counter(string, string, ...string) Counter                { return noopCounter{} }
func (noopMetrics) Histogram(string, string, []float64, ...string) Histogram { return noopHistogram{} }
func (noopMetrics) Gauge(string, string, ...string) Gauge                    { return noopGauge{} }
func (noopMetrics) Handler() http.Handler                                    { return http.NotFoundHandler() }
func (noopMetrics) Registry() *prometheus.Registry                           { return prometheus.NewRegistry() }

type noopCounter struct{}

func (noopCounter) Inc()                                   {}
func (noopCounter) Add(float64)                            {}
func (c noopCounter) WithLabels(map[string]string) Counter { return c }

type noopHistogram struct{}

func (noopHistogram) Observe(float64)                          {}
func (h noopHistogram) WithLabels(map[string]string) Histogram { return h }

type noopGauge struct{}

func (noopGauge) Set(float64)                          {}
func (noopGauge) Inc()                                 {}
func (noopGauge) Dec()                                 {}
func (noopGauge) Add(float64)                          {}
func (noopGauge) Sub(float64)                          {}
func (g noopGauge) WithLabels(map[string]string) Gauge { return g }
