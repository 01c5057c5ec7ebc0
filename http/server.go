package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
)

var (
	ErrServerAlreadyStarted = errors.New("server already started")
	ErrServerNotStarted     = errors.New("server not started")
)

// Server serves registered handlers behind a middleware chain
type Server struct {
	config ServerConfig
	logger observability.Logger
	mux    *http.ServeMux

	mu         sync.Mutex
	middleware MiddlewareChain
	server     *http.Server
	listener   net.Listener
	serveErr   chan error
}

// NewServer creates a server; handlers are added with Handle before Start
func NewServer(config ServerConfig, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	return &Server{
		config: config,
		logger: logger,
		mux:    http.NewServeMux(),
	}
}

// Handle registers handler for a ServeMux pattern such as "GET /v1/jobs"
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Use appends middleware. The first registered runs outermost.
func (s *Server) Use(mw ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw...)
}

// Handler returns the mux wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.middleware.Apply(s.mux)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return ErrServerAlreadyStarted
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.server = &http.Server{
		Handler:        s.middleware.Apply(s.mux),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.listener = listener
	s.serveErr = make(chan error, 1)

	srv, done := s.server, s.serveErr
	go func() {
		var err error
		if s.config.EnableTLS {
			err = srv.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = srv.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("HTTP server failed", err)
		}
		done <- err
	}()

	s.logger.Info("HTTP server listening", observability.NewField("address", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down within ShutdownTimeout
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.serveErr
	s.server, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return ErrServerNotStarted
	}

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown server gracefully")
	}
	return errors.Wrap(<-done, "server error")
}

// Address returns the bound address once started, the configured one otherwise
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

func (s *Server) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}
