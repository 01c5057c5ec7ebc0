package jobs

import "github.com/cockroachdb/errors"

var (
	// ErrJobNotFound is returned when no job has the requested id
	ErrJobNotFound = errors.New("job not found")

	// ErrJobRunning is returned when an operation needs the job to be idle
	ErrJobRunning = errors.New("job is running")

	// ErrJobDisabled is returned when a disabled job is asked to run
	ErrJobDisabled = errors.New("job is disabled")

	// ErrTaskAlreadyRunning is returned by ForceRun while a task is executing
	ErrTaskAlreadyRunning = errors.New("job task is already running")

	// ErrUnknownJobKind is returned when no factory is registered for a configuration kind
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrDuplicateJobKind is returned when two factories claim the same kind
	ErrDuplicateJobKind = errors.New("job kind already registered")

	// ErrMisconfigured is returned when a schedule can never fire
	ErrMisconfigured = errors.New("job schedule is misconfigured")

	// ErrSchedulerNotRunning is returned by operations issued before Start or after Stop
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrInvalidConfiguration is returned when a configuration fails validation
	ErrInvalidConfiguration = errors.New("invalid job configuration")
)
