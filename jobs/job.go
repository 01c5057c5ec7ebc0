package jobs

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/santif/jobsched/observability"
)

// Job is the body of a scheduled job.
//
// Execute must return promptly once ctx is done; the runner never kills the
// goroutine. A nil error marks the run as successful.
type Job interface {
	Execute(ctx context.Context, exec *Execution) error
}

// JobFunc adapts a function to the Job interface
type JobFunc func(ctx context.Context, exec *Execution) error

// Execute calls f
func (f JobFunc) Execute(ctx context.Context, exec *Execution) error {
	return f(ctx, exec)
}

// Factory builds the Job for a configuration. It receives a logger already
// scoped to the job.
type Factory func(logger observability.Logger, config *JobConfiguration) (Job, error)

// Execution is handed to Job.Execute and collects the item counters that
// end up in the run's statistics.
type Execution struct {
	// ID identifies this run; it is also the statistics id
	ID uuid.UUID
	// Config is a copy of the configuration at the time the run started
	Config *JobConfiguration
	// Logger is scoped to the job and the run
	Logger observability.Logger

	total     atomic.Int64
	completed atomic.Int64
	errs      atomic.Int64
	message   atomic.Value
}

func newExecution(id uuid.UUID, config *JobConfiguration, logger observability.Logger) *Execution {
	return &Execution{
		ID:     id,
		Config: config,
		Logger: logger.With(observability.NewField("run_id", id.String())),
	}
}

// AddTotal adds n to the number of items the run intends to process
func (e *Execution) AddTotal(n int64) { e.total.Add(n) }

// AddCompleted adds n to the number of items processed successfully
func (e *Execution) AddCompleted(n int64) { e.completed.Add(n) }

// AddErrors adds n to the number of items that failed
func (e *Execution) AddErrors(n int64) { e.errs.Add(n) }

// SetMessage records a short human readable summary of the run
func (e *Execution) SetMessage(msg string) { e.message.Store(msg) }

func (e *Execution) fill(stats *JobStatistics) {
	stats.TotalItems = e.total.Load()
	stats.CompletedItems = e.completed.Load()
	stats.Errors = e.errs.Load()
	if msg, ok := e.message.Load().(string); ok && stats.Message == "" {
		stats.Message = msg
	}
}
