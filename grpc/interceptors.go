package grpc

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// serverErrors are the codes logged at error level
var serverErrors = map[codes.Code]bool{
	codes.Unknown:          true,
	codes.Internal:         true,
	codes.DataLoss:         true,
	codes.Unimplemented:    true,
	codes.DeadlineExceeded: true,
}

// RecoveryUnaryServerInterceptor turns handler panics into codes.Internal
func RecoveryUnaryServerInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStreamServerInterceptor turns handler panics into codes.Internal
func RecoveryStreamServerInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recovered(logger observability.Logger, method string, r interface{}) error {
	logger.Error("gRPC handler panic recovered", errors.Newf("panic: %v", r),
		observability.NewField("method", method),
		observability.NewField("stack", string(debug.Stack())),
	)
	return status.Error(codes.Internal, "internal error")
}

// LoggingUnaryServerInterceptor logs each unary call once it completes
func LoggingUnaryServerInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger.WithContext(ctx), "gRPC request", info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStreamServerInterceptor logs each stream once it ends
func LoggingStreamServerInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger.WithContext(ss.Context()), "gRPC stream", info.FullMethod, start, err)
		return err
	}
}

func logCall(logger observability.Logger, msg, method string, start time.Time, err error) {
	code := status.Code(err)
	fields := []observability.Field{
		observability.NewField("method", method),
		observability.NewField("code", code.String()),
		observability.NewField("duration_ms", time.Since(start).Milliseconds()),
	}
	if serverErrors[code] {
		logger.Error(msg+" failed", err, fields...)
		return
	}
	logger.Debug(msg, fields...)
}

// MetricsUnaryServerInterceptor counts calls and records their latency
func MetricsUnaryServerInterceptor(metrics observability.Metrics) grpc.UnaryServerInterceptor {
	record := callRecorder(metrics)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		record(info.FullMethod, start, err)
		return resp, err
	}
}

// MetricsStreamServerInterceptor counts streams and records their duration
func MetricsStreamServerInterceptor(metrics observability.Metrics) grpc.StreamServerInterceptor {
	record := callRecorder(metrics)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		record(info.FullMethod, start, err)
		return err
	}
}

func callRecorder(metrics observability.Metrics) func(method string, start time.Time, err error) {
	requests := metrics.Counter("grpc_requests_total", "Total number of gRPC calls", "method", "code")
	latency := metrics.Histogram("grpc_request_duration_seconds", "gRPC call latency",
		[]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, "method")

	return func(method string, start time.Time, err error) {
		requests.WithLabels(map[string]string{"method": method, "code": status.Code(err).String()}).Inc()
		latency.WithLabels(map[string]string{"method": method}).Observe(time.Since(start).Seconds())
	}
}

// TracingUnaryServerInterceptor starts a server span per call, continuing
// any trace propagated in the incoming metadata
func TracingUnaryServerInterceptor(tracer observability.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startSpan(ctx, tracer, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		endSpan(span, err)
		return resp, err
	}
}

// TracingStreamServerInterceptor starts a server span per stream
func TracingStreamServerInterceptor(tracer observability.Tracer) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startSpan(ss.Context(), tracer, info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		endSpan(span, err)
		return err
	}
}

func startSpan(ctx context.Context, tracer observability.Tracer, fullMethod string) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
	}
	service, method := splitMethod(fullMethod)
	return tracer.Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		))
}

func endSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
	if serverErrors[code] {
		span.SetStatus(otelcodes.Error, status.Convert(err).Message())
	}
}

// splitMethod splits "/package.Service/Method"
func splitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return "", fullMethod
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// metadataCarrier adapts gRPC metadata to propagation.TextMapCarrier
type metadataCarrier metadata.MD

func (mc metadataCarrier) Get(key string) string {
	values := metadata.MD(mc).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (mc metadataCarrier) Set(key, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc))
	for k := range metadata.MD(mc) {
		keys = append(keys, k)
	}
	return keys
}
