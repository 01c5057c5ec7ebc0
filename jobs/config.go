package jobs

import (
	"time"
)

// SchedulerConfig contains configuration for the job scheduler
type SchedulerConfig struct {
	// PollInterval bounds every wait of the per-job scheduling loops
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"min=0"`

	// CancelWarningInterval is how often a blocked cancel logs that it is still waiting
	CancelWarningInterval time.Duration `yaml:"cancel_warning_interval" json:"cancel_warning_interval" validate:"min=0"`

	// StateFlushInterval is how often coalesced state updates are sent to subscribers
	StateFlushInterval time.Duration `yaml:"state_flush_interval" json:"state_flush_interval" validate:"min=0"`

	// ShutdownTimeout caps how long Stop waits for running jobs
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`

	// StatisticsRetry governs writes of execution statistics to the store
	StatisticsRetry RetryPolicy `yaml:"statistics_retry" json:"statistics_retry"`
}

// DefaultSchedulerConfig returns a default configuration for the scheduler
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:          DefaultPollInterval,
		CancelWarningInterval: DefaultCancelWarningInterval,
		StateFlushInterval:    250 * time.Millisecond,
		ShutdownTimeout:       5 * time.Minute,
		StatisticsRetry:       DefaultRetryPolicy(),
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CancelWarningInterval <= 0 {
		c.CancelWarningInterval = def.CancelWarningInterval
	}
	if c.StateFlushInterval <= 0 {
		c.StateFlushInterval = def.StateFlushInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.StatisticsRetry.Type == "" {
		c.StatisticsRetry = def.StatisticsRetry
	}
	return c
}
