package core

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/santif/jobsched/observability"
)

// ServiceMetadata identifies the running instance
type ServiceMetadata struct {
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Version   string    `json:"version" yaml:"version"`
	Instance  string    `json:"instance" yaml:"instance"`
	BuildHash string    `json:"build_hash" yaml:"build_hash"`
	StartTime time.Time `json:"start_time" yaml:"-"`
}

// Dependency is an external system that must be reachable before the
// service starts
type Dependency interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// DependencyFunc adapts a function to Dependency
func DependencyFunc(name string, check HealthCheck) Dependency {
	return funcDependency{name: name, check: check}
}

type funcDependency struct {
	name  string
	check HealthCheck
}

func (d funcDependency) Name() string                          { return d.name }
func (d funcDependency) HealthCheck(ctx context.Context) error { return d.check(ctx) }

// Component is started with the service and stopped in reverse order
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ShutdownHook is called during graceful shutdown
type ShutdownHook func(ctx context.Context) error

// Service owns the lifecycle of the process: it checks dependencies,
// starts components in registration order and shuts everything down in
// reverse order.
type Service struct {
	metadata ServiceMetadata
	logger   observability.Logger

	mu         sync.Mutex
	deps       []Dependency
	components []Component
	hooks      []ShutdownHook
	started    bool
}

// NewService creates a service. An empty Instance gets a random id.
func NewService(metadata ServiceMetadata, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if metadata.Instance == "" {
		metadata.Instance = uuid.NewString()
	}
	metadata.StartTime = time.Now()
	return &Service{
		metadata: metadata,
		logger:   logger.With(observability.NewField("service", metadata.Name)),
	}
}

func (s *Service) Metadata() ServiceMetadata {
	return s.metadata
}

// AddDependency registers a dependency checked by Start
func (s *Service) AddDependency(dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps = append(s.deps, dep)
}

// AddComponent registers a component. Its Stop is run as a shutdown hook.
func (s *Service) AddComponent(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// RegisterShutdownHook registers a function called during Shutdown
func (s *Service) RegisterShutdownHook(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// ValidateDependencies checks every dependency and reports all failures
func (s *Service) ValidateDependencies(ctx context.Context) error {
	s.mu.Lock()
	deps := append([]Dependency(nil), s.deps...)
	s.mu.Unlock()

	var result error
	for _, dep := range deps {
		if err := dep.HealthCheck(ctx); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "dependency %s", dep.Name()))
		}
	}
	return result
}

// Start validates dependencies and starts components. A component that
// fails to start stops those already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Newf("service %s is already started", s.metadata.Name)
	}
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	if err := s.ValidateDependencies(ctx); err != nil {
		return errors.Wrap(err, "failed to validate dependencies")
	}

	for i, c := range components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := components[j].Stop(ctx); stopErr != nil {
					s.logger.Error("Failed to stop component after start failure", stopErr)
				}
			}
			return errors.Wrap(err, "failed to start component")
		}
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Service started",
		observability.NewField("version", s.metadata.Version),
		observability.NewField("instance", s.metadata.Instance))
	return nil
}

// Shutdown stops components and runs hooks in reverse registration order.
// Every step runs even when an earlier one fails.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	components := append([]Component(nil), s.components...)
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "shutdown hook failed"))
		}
	}
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(ctx); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "failed to stop component"))
		}
	}

	if result != nil {
		s.logger.Error("Service stopped with errors", result)
	} else {
		s.logger.Info("Service stopped")
	}
	return result
}

// Run starts the service, blocks until ctx is done or SIGINT/SIGTERM
// arrives, then shuts down within timeout
func (s *Service) Run(ctx context.Context, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("Shutting down")
	return s.Shutdown(timeout)
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
