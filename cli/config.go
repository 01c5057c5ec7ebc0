package cli

import (
	"context"

	"github.com/santif/jobsched/config"
	"github.com/santif/jobsched/core"
	jgrpc "github.com/santif/jobsched/grpc"
	jhttp "github.com/santif/jobsched/http"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/messaging"
	"github.com/santif/jobsched/observability"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read as configuration
const EnvPrefix = "JOBSCHED"

// AppConfig is the complete configuration of the jobsched process
type AppConfig struct {
	Service   core.ServiceMetadata        `json:"service" yaml:"service"`
	Logger    observability.LoggerConfig  `json:"logger" yaml:"logger"`
	Metrics   observability.MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing   observability.TracingConfig `json:"tracing" yaml:"tracing"`
	HTTP      jhttp.ServerConfig          `json:"http" yaml:"http"`
	GRPC      jgrpc.ServerConfig          `json:"grpc" yaml:"grpc"`
	Scheduler jobs.SchedulerConfig        `json:"scheduler" yaml:"scheduler"`
	Store     jobs.StoreConfig            `json:"store" yaml:"store"`
	Events    EventsConfig                `json:"events" yaml:"events"`
}

// EventsConfig controls publishing of job events
type EventsConfig struct {
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Broker  messaging.BrokerConfig `json:"broker" yaml:"broker"`
}

// DefaultAppConfig returns a configuration that runs with an in-memory
// store and no external services
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Service:   core.ServiceMetadata{Name: "jobsched", Version: Version, BuildHash: BuildHash},
		Logger:    observability.DefaultLoggerConfig(),
		Metrics:   observability.DefaultMetricsConfig(),
		Tracing:   observability.DefaultTracingConfig(),
		HTTP:      jhttp.DefaultServerConfig(),
		GRPC:      jgrpc.DefaultServerConfig(),
		Scheduler: jobs.DefaultSchedulerConfig(),
		Store:     jobs.DefaultStoreConfig(),
		Events:    EventsConfig{Broker: messaging.DefaultBrokerConfig()},
	}
}

// flagKeys maps command line flags to configuration paths. The config
// flag names the file itself and is not a value.
var flagKeys = map[string]string{
	"config":    "",
	"http-port": "http.port",
	"http-host": "http.host",
	"log-level": "logger.level",
	"store":     "store.type",
}

// loadConfig reads defaults < file < environment < flags into a new AppConfig
func loadConfig(ctx context.Context, flags *pflag.FlagSet, logger observability.Logger, watchFile bool) (*config.Manager, *AppConfig, error) {
	manager := config.NewManager(
		config.WithLogger(logger),
		config.WithSource(config.NewEnvSource(EnvPrefix)),
	)
	if configFile != "" {
		manager.AddSource(config.NewFileSource(configFile, "", config.WithWatcher(watchFile)))
	}
	if flags != nil {
		manager.AddSource(config.NewFlagSource(flags, flagKeys))
	}

	cfg := DefaultAppConfig()
	if err := manager.Load(ctx, &cfg); err != nil {
		return nil, nil, err
	}
	return manager, &cfg, nil
}

// newLogger creates the process logger tagged with the service identity
func newLogger(cfg *AppConfig) observability.Logger {
	lc := cfg.Logger
	if lc.ServiceName == "" {
		lc.ServiceName = cfg.Service.Name
	}
	if lc.ServiceVersion == "" {
		lc.ServiceVersion = cfg.Service.Version
	}
	if lc.ServiceInstance == "" {
		lc.ServiceInstance = cfg.Service.Instance
	}
	return observability.NewLoggerWithConfig(lc)
}
