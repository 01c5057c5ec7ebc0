package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/santif/jobsched/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPollInterval bounds every wait of the scheduling loop
	DefaultPollInterval = time.Second

	// DefaultCancelWarningInterval is how often TryCancel reports that it is still waiting
	DefaultCancelWarningInterval = 5 * time.Second
)

// RunnerOptions configures a Runner. Zero values fall back to defaults.
type RunnerOptions struct {
	Logger  observability.Logger
	Metrics observability.Metrics
	Tracer  observability.Tracer
	Clock   Clock

	// Statistics seeds the last run duration when the runner starts
	Statistics StatisticsReader

	PollInterval          time.Duration
	CancelWarningInterval time.Duration

	// OnStateChanged receives every state change. It must not block.
	OnStateChanged func(JobState)

	// OnCompleted receives the statistics of every finished execution
	OnCompleted func(JobStatistics)
}

// Runner drives one job: a scheduling goroutine computes the next run time
// and launches task goroutines that call the job body.
type Runner struct {
	job     Job
	opts    RunnerOptions
	logger  observability.Logger
	metrics *RunnerMetrics

	// wake interrupts the scheduling loop so it recomputes the schedule
	wake chan struct{}

	// notifyMu keeps state snapshots and their delivery in order
	notifyMu sync.Mutex

	mu              sync.Mutex
	config          *JobConfiguration
	status          JobStatus
	statistics      *JobStatistics
	nextRunTime     time.Time
	lastRunDuration time.Duration
	lastFire        time.Time
	tasks           map[uuid.UUID]*task
	rerun           bool
	retired         bool
	stop            chan struct{}
	done            chan struct{}
}

type task struct {
	id        uuid.UUID
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

type waitResult int

const (
	waitElapsed waitResult = iota
	waitWoken
	waitStopped
)

// NewRunner creates a stopped runner for config
func NewRunner(config *JobConfiguration, job Job, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = observability.NoOpLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NoOpTracer()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CancelWarningInterval <= 0 {
		opts.CancelWarningInterval = DefaultCancelWarningInterval
	}

	return &Runner{
		job:  job,
		opts: opts,
		logger: opts.Logger.With(
			observability.NewField("job_id", config.ID),
			observability.NewField("job_name", config.Name),
		),
		metrics: newRunnerMetrics(opts.Metrics, config.Name),
		wake:    make(chan struct{}, 1),
		config:  config.Clone(),
		status:  StatusUnknown,
		tasks:   make(map[uuid.UUID]*task),
	}
}

// ID returns the id of the job configuration
func (r *Runner) ID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.ID
}

// Configuration returns a copy of the current configuration
func (r *Runner) Configuration() *JobConfiguration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Clone()
}

// SetConfiguration replaces the configuration and wakes the scheduling loop
// so the new schedule applies right away. A misconfigured job gets another chance.
func (r *Runner) SetConfiguration(config *JobConfiguration) {
	r.mu.Lock()
	r.config = config.Clone()
	if r.status == StatusMisconfigured {
		r.status = StatusUnknown
	}
	r.mu.Unlock()

	r.signalWake()
	r.publishState()
}

// Status returns the current status
func (r *Runner) Status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// State returns a snapshot of the job
func (r *Runner) State() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return JobState{
		JobID:           r.config.ID,
		Name:            r.config.Name,
		Status:          r.status,
		LastRunDuration: r.lastRunDuration,
		NextRunTime:     r.nextRunTime,
		RunningTasks:    len(r.tasks),
		Statistics:      r.statistics.clone(),
	}
}

// HasRunningTask reports whether an execution is in flight
func (r *Runner) HasRunningTask() bool {
	return r.NumberOfRunningTasks() > 0
}

// NumberOfRunningTasks returns how many executions are in flight
func (r *Runner) NumberOfRunningTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// IsStarted reports whether the scheduling loop is active
func (r *Runner) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

// Start launches the scheduling loop. Calling it on a started runner does nothing.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.retired = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	r.logger.Debug("Job runner started")
	go r.loop(stop, done)
}

// Stop ends the scheduling loop, then cancels any running execution and
// waits for it. Calling it on a stopped runner only cancels executions.
func (r *Runner) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		r.logger.Debug("Job runner stopped")
	}
	r.TryCancel()
}

// Retire stops the scheduling loop when no execution is in flight. It
// reports false and leaves the runner untouched otherwise. A retired runner
// starts nothing until Start is called again.
func (r *Runner) Retire() bool {
	r.mu.Lock()
	if len(r.tasks) > 0 || r.status == StatusRunning {
		r.mu.Unlock()
		return false
	}
	r.retired = true
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		r.logger.Debug("Job runner retired")
	}
	return true
}

// ForceRun starts an execution immediately, outside the schedule
func (r *Runner) ForceRun() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return errors.Wrapf(ErrJobNotFound, "job %q (id %d) was deleted", r.config.Name, r.config.ID)
	}

	if r.config.RunState == RunStateDisabled {
		return errors.Wrapf(ErrJobDisabled, "cannot run job %q (id %d)", r.config.Name, r.config.ID)
	}
	if len(r.tasks) > 0 && !r.config.AllowSimultaneousExecutions {
		return errors.Wrapf(ErrTaskAlreadyRunning, "cannot run job %q (id %d)", r.config.Name, r.config.ID)
	}

	r.logger.Info("Job run requested")
	r.startTaskLocked()
	return nil
}

// TryCancel cancels every running execution and blocks until they return.
// A pending catch-up run is dropped. Without running executions it returns at once.
func (r *Runner) TryCancel() {
	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return
	}
	r.rerun = false
	r.status = StatusCancelling
	pending := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
		pending = append(pending, t)
	}
	r.mu.Unlock()

	r.logger.Info("Cancelling job", observability.NewField("tasks", len(pending)))
	r.publishState()

	started := time.Now()
	ticker := time.NewTicker(r.opts.CancelWarningInterval)
	defer ticker.Stop()
	for _, t := range pending {
	wait:
		for {
			select {
			case <-t.done:
				break wait
			case <-ticker.C:
				r.logger.Warn("Still waiting for job to honour cancellation",
					observability.NewField("waited", time.Since(started).Round(time.Second).String()))
			}
		}
	}

	r.mu.Lock()
	if r.status == StatusCancelling {
		r.status = StatusCancelled
		r.statistics = nil
	}
	r.mu.Unlock()

	r.logger.Info("Job cancelled")
	r.publishState()
}

func (r *Runner) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	r.loadLastStatistics()

	recompute := false
	for {
		if !recompute && !r.idle(stop) {
			return
		}
		recompute = false

		r.mu.Lock()
		config, status := r.config.Clone(), r.status
		r.mu.Unlock()

		if status == StatusMisconfigured {
			continue
		}
		r.refreshStatus()

		if config.RunState != RunStateAutomatic {
			r.setNextRunTime(time.Time{})
			continue
		}

		next, err := CalculateNextRun(config.Schedule, r.now())
		for _, note := range next.Adjustments {
			r.logger.Warn("Schedule adjusted", observability.NewField("reason", note))
		}
		if err != nil {
			r.markMisconfigured(err)
			continue
		}
		r.setNextRunTime(next.At)

		switch r.waitUntil(stop, next.At) {
		case waitStopped:
			return
		case waitWoken:
			r.logger.Debug("Waiting for next run interrupted, recomputing schedule")
			recompute = true
			continue
		}

		r.fire(next.At)
		recompute = true
	}
}

// idle blocks for one poll interval or until woken. It returns false once stopped.
func (r *Runner) idle(stop <-chan struct{}) bool {
	timer := time.NewTimer(r.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-r.wake:
	case <-timer.C:
	}
	return true
}

func (r *Runner) waitUntil(stop <-chan struct{}, at time.Time) waitResult {
	for {
		remaining := at.Sub(r.opts.Clock.Now())
		if remaining <= 0 {
			return waitElapsed
		}
		if remaining > r.opts.PollInterval {
			remaining = r.opts.PollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-stop:
			timer.Stop()
			return waitStopped
		case <-r.wake:
			timer.Stop()
			return waitWoken
		case <-timer.C:
		}
	}
}

// now never returns a time at or before the last fire time, so one run
// time cannot fire twice.
func (r *Runner) now() time.Time {
	now := r.opts.Clock.Now()
	r.mu.Lock()
	last := r.lastFire
	r.mu.Unlock()
	if !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	return now
}

func (r *Runner) fire(at time.Time) {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return
	}
	r.lastFire = at
	if len(r.tasks) == 0 || r.config.AllowSimultaneousExecutions {
		r.startTaskLocked()
		r.mu.Unlock()
		return
	}

	catchUp := r.config.RunImmediatelyIfRunTimeMissed
	if catchUp {
		r.rerun = true
	}
	r.mu.Unlock()

	r.metrics.missedRuns.Inc()
	if catchUp {
		r.logger.Warn("Run time missed while the previous execution is still running, running again once it completes",
			observability.NewField("run_time", at))
	} else {
		r.logger.Warn("Run time missed while the previous execution is still running",
			observability.NewField("run_time", at))
	}
}

func (r *Runner) startTaskLocked() {
	t := &task{id: uuid.New(), done: make(chan struct{})}
	r.tasks[t.id] = t
	r.metrics.runningTasks.Inc()
	go r.runTask(t)
}

func (r *Runner) runTask(t *task) {
	for {
		ran := r.execute(t)

		// the catch-up decision and the removal share one critical section,
		// so fire never sets rerun for a task that is already finishing
		r.mu.Lock()
		again := ran && r.rerun && !t.cancelled
		r.rerun = false
		if !again {
			delete(r.tasks, t.id)
			r.settleStatusLocked()
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()
		r.logger.Info("Running job again for the missed run time")
	}

	r.metrics.runningTasks.Dec()
	close(t.done)
	r.publishState()
}

// execute runs the job body once. It returns false when the task was
// cancelled before the body started.
func (r *Runner) execute(t *task) bool {
	r.mu.Lock()
	if t.cancelled {
		r.mu.Unlock()
		return false
	}
	config := r.config.Clone()
	ctx, cancel := context.WithTimeout(context.Background(), config.EffectiveTimeout())
	t.cancel = cancel
	stats := &JobStatistics{ID: uuid.New(), JobID: config.ID, StartTime: r.opts.Clock.Now()}
	r.statistics = stats.clone()
	if r.status != StatusCancelling {
		r.status = StatusRunning
	}
	r.mu.Unlock()
	defer cancel()
	r.publishState()

	ctx, span := r.opts.Tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", config.ID),
		attribute.String("job.name", config.Name),
		attribute.String("job.kind", string(config.Kind)),
		attribute.String("job.run_id", stats.ID.String()),
	))
	defer span.End()

	exec := newExecution(stats.ID, config, r.logger.WithContext(ctx))
	r.metrics.startedRuns.Inc()
	exec.Logger.Info("Job execution started")

	started := time.Now()
	err := r.invoke(ctx, exec)
	stats.Duration = time.Since(started)
	exec.fill(stats)

	durationField := observability.NewField("duration", stats.Duration.String())
	switch {
	case err == nil:
		stats.CompletedSuccessfully = true
		r.metrics.completedRuns.Inc()
		exec.Logger.Info("Job execution completed", durationField)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		stats.Cancelled = true
		stats.Message = "cancelled"
		r.metrics.cancelledRuns.Inc()
		exec.Logger.Warn("Job execution cancelled", durationField)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		stats.Message = "timed out after " + config.EffectiveTimeout().String()
		r.metrics.failedRuns.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		exec.Logger.Error("Job execution timed out", err, durationField)
	default:
		stats.Message = err.Error()
		r.metrics.failedRuns.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		exec.Logger.Error("Job execution failed", err, durationField)
	}
	r.metrics.runDuration.Observe(stats.Duration.Seconds())

	r.mu.Lock()
	r.lastRunDuration = stats.Duration
	r.statistics = stats.clone()
	r.mu.Unlock()

	if r.opts.OnCompleted != nil {
		r.opts.OnCompleted(*stats)
	}

	r.mu.Lock()
	if r.status != StatusCancelling && len(r.tasks) <= 1 {
		r.status = StatusIdle
	}
	r.mu.Unlock()
	r.publishState()
	return true
}

func (r *Runner) invoke(ctx context.Context, exec *Execution) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("job panicked: %v", rec)
		}
	}()
	return r.job.Execute(ctx, exec)
}

func (r *Runner) settleStatusLocked() {
	if r.status == StatusCancelling || r.status == StatusMisconfigured {
		return
	}
	if len(r.tasks) > 0 {
		r.status = StatusRunning
	} else {
		r.status = StatusIdle
	}
}

func (r *Runner) refreshStatus() {
	r.mu.Lock()
	before := r.status
	r.settleStatusLocked()
	changed := r.status != before
	r.mu.Unlock()

	if changed {
		r.publishState()
	}
}

func (r *Runner) setNextRunTime(at time.Time) {
	r.mu.Lock()
	changed := !r.nextRunTime.Equal(at)
	r.nextRunTime = at
	r.mu.Unlock()

	if changed {
		r.publishState()
	}
}

func (r *Runner) markMisconfigured(err error) {
	r.mu.Lock()
	r.status = StatusMisconfigured
	r.nextRunTime = time.Time{}
	r.mu.Unlock()

	r.logger.Critical("Job schedule is misconfigured, it will not run until its configuration is replaced", err)
	r.publishState()
}

func (r *Runner) publishState() {
	if r.opts.OnStateChanged == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.opts.OnStateChanged(r.State())
}

// loadLastStatistics seeds the last run duration from the store. Failures are ignored.
func (r *Runner) loadLastStatistics() {
	if r.opts.Statistics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := r.opts.Statistics.LatestStatistics(ctx, r.ID())
	if err != nil {
		r.logger.Debug("Could not load previous statistics", observability.NewField("error", err.Error()))
		return
	}
	if stats == nil {
		return
	}

	r.mu.Lock()
	if r.statistics == nil {
		r.statistics = stats
		r.lastRunDuration = stats.Duration
	}
	r.mu.Unlock()
}
