package cli

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/core"
	jgrpc "github.com/santif/jobsched/grpc"
	jhttp "github.com/santif/jobsched/http"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/messaging"
	"github.com/santif/jobsched/observability"
)

const healthCheckTimeout = 5 * time.Second

// App holds the wired components of a running jobsched process
type App struct {
	Service   *core.Service
	Scheduler *jobs.Scheduler
	Server    *jhttp.Server
	GRPC      *jgrpc.Server
	Health    *core.HealthChecker
	Store     jobs.Store
	Broker    messaging.Broker
	Metrics   observability.Metrics
}

// NewApp builds the store, optional broker, scheduler, HTTP server and
// optional gRPC health server and registers them on a service. Components
// stop in reverse: the servers first, the tracer last.
func NewApp(ctx context.Context, cfg *AppConfig, logger observability.Logger, registry *jobs.Registry) (*App, error) {
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	metrics := observability.NewMetricsWithConfig(cfg.Metrics)
	tracer := observability.NoOpTracer()
	if cfg.Tracing.Enabled {
		t, err := observability.NewTracerWithConfig(ctx, cfg.Tracing)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create tracer")
		}
		tracer = t
	}

	store, err := jobs.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s store", cfg.Store.Type)
	}

	service := core.NewService(cfg.Service, logger)
	health := core.NewHealthChecker(healthCheckTimeout)
	service.AddComponent(closer{name: "tracer", stop: tracer.Shutdown})
	service.AddComponent(closer{name: "store", stop: ignoreContext(store.Close)})
	if p, ok := store.(jobs.Pinger); ok {
		health.AddCheck("store", p.Ping)
		service.AddDependency(core.DependencyFunc("store", p.Ping))
	}

	opts := []jobs.Option{
		jobs.WithLogger(logger),
		jobs.WithMetrics(metrics),
		jobs.WithTracer(tracer),
		jobs.WithConfig(cfg.Scheduler),
	}
	if registry != nil {
		opts = append(opts, jobs.WithRegistry(registry))
	}

	var broker messaging.Broker
	if cfg.Events.Enabled {
		broker, err = messaging.NewBroker(cfg.Events.Broker, logger, metrics)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "failed to create event broker")
		}
		service.AddComponent(closer{name: "broker", stop: ignoreContext(broker.Close)})
		opts = append(opts, jobs.WithPublisher(broker))
	}

	scheduler := jobs.NewScheduler(store, opts...)
	health.AddCheck("scheduler", func(context.Context) error {
		if !scheduler.IsRunning() {
			return jobs.ErrSchedulerNotRunning
		}
		return nil
	})
	service.AddComponent(scheduler)

	server := jhttp.NewServer(cfg.HTTP, logger)
	server.Use(
		jhttp.Recovery(logger),
		jhttp.RequestID(),
		jhttp.Tracing(tracer),
		jhttp.Logging(logger),
		jhttp.Metrics(metrics),
	)
	var exposed observability.Metrics
	if cfg.Metrics.Enabled {
		exposed = metrics
	}
	jhttp.NewAPI(scheduler, health, exposed, jhttp.NewAuthenticator(cfg.HTTP.Auth), logger).
		WithMetricsPath(cfg.Metrics.Path).
		Register(server)
	service.AddComponent(server)

	var grpcServer *jgrpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = jgrpc.NewServer(cfg.GRPC, health, jgrpc.ServerDependencies{
			Logger:  logger,
			Metrics: metrics,
			Tracer:  tracer,
		})
		service.AddComponent(grpcServer)
	}

	return &App{
		Service:   service,
		Scheduler: scheduler,
		Server:    server,
		GRPC:      grpcServer,
		Health:    health,
		Store:     store,
		Broker:    broker,
		Metrics:   metrics,
	}, nil
}

// closer adapts a resource that only needs releasing to core.Component
type closer struct {
	name string
	stop func(context.Context) error
}

func (c closer) Start(context.Context) error { return nil }

func (c closer) Stop(ctx context.Context) error {
	return errors.Wrapf(c.stop(ctx), "failed to close %s", c.name)
}

func ignoreContext(fn func() error) func(context.Context) error {
	return func(context.Context) error { return fn() }
}
