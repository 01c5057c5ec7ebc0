package grpc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/core"
	"github.com/santif/jobsched/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

var (
	ErrServerAlreadyStarted = errors.New("gRPC server already started")
	ErrServerNotStarted     = errors.New("gRPC server not started")
)

// ServerDependencies holds the observability stack of the server
type ServerDependencies struct {
	Logger  observability.Logger
	Metrics observability.Metrics
	Tracer  observability.Tracer
}

// Server exposes the grpc.health.v1 service. The overall status ("") and
// one status per named check mirror the HealthChecker results.
type Server struct {
	config  ServerConfig
	deps    ServerDependencies
	checker *core.HealthChecker
	health  *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a gRPC server; missing dependencies default to no-ops
func NewServer(config ServerConfig, checker *core.HealthChecker, deps ServerDependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NoOpLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoOpMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NoOpTracer()
	}
	if checker == nil {
		checker = core.NewHealthChecker(0)
	}
	return &Server{
		config:  config,
		deps:    deps,
		checker: checker,
		health:  health.NewServer(),
	}
}

func (s *Server) options() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: s.config.MaxConnectionIdle,
			Time:              s.config.KeepaliveTime,
			Timeout:           s.config.KeepaliveTimeout,
		}),
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryServerInterceptor(s.deps.Logger),
			TracingUnaryServerInterceptor(s.deps.Tracer),
			LoggingUnaryServerInterceptor(s.deps.Logger),
			MetricsUnaryServerInterceptor(s.deps.Metrics),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamServerInterceptor(s.deps.Logger),
			TracingStreamServerInterceptor(s.deps.Tracer),
			LoggingStreamServerInterceptor(s.deps.Logger),
			MetricsStreamServerInterceptor(s.deps.Metrics),
		),
	}
	if s.config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams))
	}
	if s.config.EnableTLS {
		creds, err := credentials.NewServerTLSFromFile(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load TLS credentials")
		}
		opts = append(opts, grpc.Creds(creds))
	}
	return opts, nil
}

// Start listens and serves in the background. The first health
// publication happens before Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return ErrServerAlreadyStarted
	}

	opts, err := s.options()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	server := grpc.NewServer(opts...)
	s.health.Resume()
	healthpb.RegisterHealthServer(server, s.health)
	if s.config.EnableReflection {
		reflection.Register(server)
	}
	s.publishHealth(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.server, s.listener, s.cancel = server, listener, cancel
	s.done = make(chan struct{})
	go s.healthLoop(loopCtx, s.done)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.deps.Logger.Error("gRPC server stopped unexpectedly", err)
		}
	}()

	s.deps.Logger.Info("gRPC server listening", observability.NewField("address", listener.Addr().String()))
	return nil
}

func (s *Server) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := s.config.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishHealth(ctx)
		}
	}
}

// publishHealth runs the checks and updates the serving statuses
func (s *Server) publishHealth(ctx context.Context) {
	report := s.checker.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	s.health.SetServingStatus("", servingStatus(report.Status))
	for name, result := range report.Checks {
		s.health.SetServingStatus(name, servingStatus(result.Status))
	}
}

func servingStatus(status core.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch status {
	case core.StatusUp:
		return healthpb.HealthCheckResponse_SERVING
	case core.StatusDown:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// Stop marks every service NOT_SERVING and drains calls until
// ShutdownTimeout or ctx expires, then closes remaining connections
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ErrServerNotStarted
	}

	s.cancel()
	<-s.done
	s.health.Shutdown()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		s.deps.Logger.Warn("gRPC graceful stop timed out, closing connections")
		s.server.Stop()
		err = errors.Wrap(ctx.Err(), "gRPC server shutdown")
	}

	s.server, s.listener = nil, nil
	s.deps.Logger.Info("gRPC server stopped")
	return err
}

// Address returns the bound address, or "" before Start
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}
