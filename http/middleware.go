package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/santif/jobsched/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// MiddlewareChain applies middleware so the first element is the outermost
type MiddlewareChain []Middleware

func (mc MiddlewareChain) Apply(handler http.Handler) http.Handler {
	for i := len(mc) - 1; i >= 0; i-- {
		handler = mc[i](handler)
	}
	return handler
}

// statusRecorder captures the status code and response size
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type requestIDKey struct{}

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// RequestIDFromContext returns the id set by RequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logging logs one line per request; 5xx responses are logged as errors
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			fields := []observability.Field{
				observability.NewField("method", r.Method),
				observability.NewField("path", r.URL.Path),
				observability.NewField("status", rec.status),
				observability.NewField("bytes", rec.written),
				observability.NewField("duration_ms", time.Since(start).Milliseconds()),
				observability.NewField("request_id", RequestIDFromContext(r.Context())),
			}
			l := logger.WithContext(r.Context())
			if rec.status >= http.StatusInternalServerError {
				l.Error("HTTP request failed", nil, fields...)
				return
			}
			l.Debug("HTTP request", fields...)
		})
	}
}

// Recovery turns a handler panic into a 500 response
func Recovery(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					err, ok := rec.(error)
					if !ok {
						err = errors.Newf("%v", rec)
					}
					logger.Error("HTTP handler panic recovered", err, observability.NewField("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, errors.New(http.StatusText(http.StatusInternalServerError)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request counts and latency by route pattern
func Metrics(metrics observability.Metrics) Middleware {
	requests := metrics.Counter("http_requests_total", "Total number of HTTP requests", "method", "route", "status")
	latency := metrics.Histogram("http_request_duration_seconds", "HTTP request latency",
		[]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, "method", "route")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			requests.WithLabels(map[string]string{
				"method": r.Method,
				"route":  route,
				"status": strconv.Itoa(rec.status),
			}).Inc()
			latency.WithLabels(map[string]string{"method": r.Method, "route": route}).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Tracing starts a server span per request
func Tracing(tracer observability.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				))
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}
