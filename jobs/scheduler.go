package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/messaging"
	"github.com/santif/jobsched/observability"
	"golang.org/x/sync/errgroup"
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics registry shared by all runners
func WithMetrics(metrics observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// WithTracer sets the tracer used for job executions
func WithTracer(tracer observability.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// WithPublisher sets where job events are published
func WithPublisher(publisher messaging.Publisher) Option {
	return func(s *Scheduler) { s.publisher = publisher }
}

// WithRegistry sets the job kinds the scheduler can run
func WithRegistry(registry *Registry) Option {
	return func(s *Scheduler) { s.registry = registry }
}

// WithClock replaces the wall clock
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithConfig sets intervals and timeouts
func WithConfig(config SchedulerConfig) Option {
	return func(s *Scheduler) { s.config = config }
}

// Scheduler owns one Runner per active job configuration. Mutations are
// persisted first, then applied to the runners, then published.
type Scheduler struct {
	store     Store
	registry  *Registry
	logger    observability.Logger
	metrics   observability.Metrics
	tracer    observability.Tracer
	clock     Clock
	config    SchedulerConfig
	publisher messaging.Publisher
	events    *eventPublisher

	jobsGauge observability.Gauge

	mu       sync.Mutex
	runners  map[int64]*Runner
	started  bool
	stopping bool
	running  bool
	ready    chan struct{}
	stop     chan struct{}
	sent     chan struct{}

	statesMu sync.Mutex
	pending  map[int64]JobState

	// background statistics writes and cancellations
	background sync.WaitGroup
}

// NewScheduler creates a stopped scheduler on top of store
func NewScheduler(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		config:  DefaultSchedulerConfig(),
		runners: make(map[int64]*Runner),
		pending: make(map[int64]JobState),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = observability.NoOpLogger()
	}
	if s.metrics == nil {
		s.metrics = observability.NoOpMetrics()
	}
	if s.tracer == nil {
		s.tracer = observability.NoOpTracer()
	}
	if s.clock == nil {
		s.clock = SystemClock
	}
	if s.registry == nil {
		s.registry = DefaultRegistry()
	}
	s.config = s.config.withDefaults()
	s.events = newEventPublisher(s.publisher, s.logger)
	s.jobsGauge = s.metrics.Gauge("scheduler_jobs", "Number of jobs loaded in the scheduler")
	return s
}

// Start loads the active configurations in the background and starts
// their runners. Operations issued meanwhile wait for the load to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ready = make(chan struct{})
	s.stop = make(chan struct{})
	s.sent = make(chan struct{})
	ready, stop, sent := s.ready, s.stop, s.sent
	s.mu.Unlock()

	s.logger.Info("Starting scheduler")
	go s.sendStates(stop, sent)
	go s.load(context.WithoutCancel(ctx), ready)
	return nil
}

func (s *Scheduler) load(ctx context.Context, ready chan<- struct{}) {
	defer close(ready)

	configs, err := s.store.FindConfigurations(ctx, NotArchived)
	if err != nil {
		s.logger.Error("Failed to load job configurations", err)
	}
	if len(configs) == 0 {
		s.logger.Info("No job configurations to load")
	}

	loaded := 0
	for _, config := range configs {
		if _, err := s.addRunner(config); err != nil {
			if !errors.Is(err, ErrUnknownJobKind) {
				s.logger.Error("Failed to load job", err,
					observability.NewField("job_id", config.ID),
					observability.NewField("job_name", config.Name))
			}
			continue
		}
		loaded++
	}

	s.mu.Lock()
	s.running = !s.stopping
	s.mu.Unlock()
	s.logger.Info("Scheduler started", observability.NewField("jobs", loaded))
}

// Stop stops every runner in parallel and waits for them up to the
// shutdown timeout. Jobs still running after that are abandoned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.running = false
	ready, stop, sent := s.ready, s.stop, s.sent
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var err error
	select {
	case <-ready:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "timed out waiting for jobs to load")
	}

	runners := s.snapshot()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		var g errgroup.Group
		for _, r := range runners {
			r := r
			g.Go(func() error {
				r.Stop()
				return nil
			})
		}
		_ = g.Wait()
		s.background.Wait()
	}()

	select {
	case <-stopped:
		s.logger.Info("All jobs stopped", observability.NewField("jobs", len(runners)))
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "timed out waiting for jobs to stop")
		s.logger.Warn("Timed out waiting for jobs to stop, giving up",
			observability.NewField("timeout", s.config.ShutdownTimeout.String()))
	}

	close(stop)
	<-sent

	s.mu.Lock()
	s.runners = make(map[int64]*Runner)
	s.started = false
	s.stopping = false
	s.mu.Unlock()
	s.jobsGauge.Set(0)

	s.logger.Info("Scheduler stopped")
	return err
}

// IsRunning reports whether the scheduler has loaded its jobs and is not stopping
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ready is closed once the configurations loaded by Start are running
func (s *Scheduler) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.ready
}

// AddJob persists a new configuration and starts its runner. The stored
// configuration, with its id and audit times, is returned.
func (s *Scheduler) AddJob(ctx context.Context, config *JobConfiguration) (*JobConfiguration, error) {
	if err := s.awaitRunning(ctx); err != nil {
		return nil, err
	}

	config = config.Clone()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !s.registry.Supports(config.Kind) {
		err := errors.Wrapf(ErrUnknownJobKind, "kind %q of job %q", config.Kind, config.Name)
		s.logger.Error("Job kind not supported, job not added", err)
		return nil, err
	}

	now := s.clock.Now()
	config.Audit = AuditInfo{CreatedAt: now, ModifiedAt: now}
	if err := s.store.InsertConfiguration(ctx, config); err != nil {
		return nil, errors.Wrapf(err, "failed to save job %q", config.Name)
	}

	if _, err := s.addRunner(config); err != nil {
		if derr := s.store.DeleteConfiguration(ctx, config.ID); derr != nil {
			err = errors.WithSecondaryError(err, derr)
		}
		return nil, err
	}

	s.logger.Info("Job added",
		observability.NewField("job_id", config.ID),
		observability.NewField("job_name", config.Name))
	s.events.publish(ctx, JobEvent{Type: EventJobAdded, OccurredAt: now, Job: config.Clone()})
	return config, nil
}

// UpdateJob replaces the configuration of a loaded job. The runner picks
// up the new schedule immediately. The kind of a job cannot change.
func (s *Scheduler) UpdateJob(ctx context.Context, config *JobConfiguration) (*JobConfiguration, error) {
	if err := s.awaitRunning(ctx); err != nil {
		return nil, err
	}

	config = config.Clone()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	r, err := s.runner(config.ID)
	if err != nil {
		return nil, err
	}

	current := r.Configuration()
	if current.Kind != config.Kind {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "job %q (id %d) cannot change kind from %q to %q",
			current.Name, current.ID, current.Kind, config.Kind)
	}

	now := s.clock.Now()
	config.Audit = AuditInfo{CreatedAt: current.Audit.CreatedAt, ModifiedAt: now}
	if err := s.store.UpdateConfiguration(ctx, config); err != nil {
		return nil, errors.Wrapf(err, "failed to save job %q", config.Name)
	}
	r.SetConfiguration(config)

	s.logger.Info("Job updated",
		observability.NewField("job_id", config.ID),
		observability.NewField("job_name", config.Name))
	s.events.publish(ctx, JobEvent{Type: EventJobUpdated, OccurredAt: now, Job: config.Clone()})
	return config, nil
}

// DeleteJob archives the configuration and stops its runner. Running jobs
// cannot be deleted.
func (s *Scheduler) DeleteJob(ctx context.Context, id int64) error {
	if err := s.awaitRunning(ctx); err != nil {
		return err
	}

	r, err := s.runner(id)
	if err != nil {
		return err
	}
	config := r.Configuration()
	// retiring first means no scheduled fire can slip in after the check
	if !r.Retire() {
		return errors.Wrapf(ErrJobRunning, "cannot delete job %q (id %d)", config.Name, config.ID)
	}

	now := s.clock.Now()
	config.Audit.Archived = true
	config.Audit.ModifiedAt = now
	if err := s.store.UpdateConfiguration(ctx, config); err != nil {
		r.Start()
		return errors.Wrapf(err, "failed to archive job %q", config.Name)
	}

	s.mu.Lock()
	delete(s.runners, id)
	count := len(s.runners)
	s.mu.Unlock()
	s.jobsGauge.Set(float64(count))

	s.statesMu.Lock()
	delete(s.pending, id)
	s.statesMu.Unlock()

	s.logger.Info("Job deleted",
		observability.NewField("job_id", config.ID),
		observability.NewField("job_name", config.Name))
	s.events.publish(ctx, JobEvent{Type: EventJobDeleted, OccurredAt: now, Job: config})
	return nil
}

// RunJob starts the job now, outside its schedule
func (s *Scheduler) RunJob(ctx context.Context, id int64) error {
	if err := s.awaitRunning(ctx); err != nil {
		return err
	}
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	return r.ForceRun()
}

// CancelJob asks the running executions of a job to stop and returns
// without waiting for them.
func (s *Scheduler) CancelJob(ctx context.Context, id int64) error {
	if err := s.awaitRunning(ctx); err != nil {
		return err
	}
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	if !r.HasRunningTask() {
		return nil
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		r.TryCancel()
	}()
	return nil
}

// GetJobs returns the configurations of all loaded jobs ordered by id
func (s *Scheduler) GetJobs() []*JobConfiguration {
	runners := s.snapshot()
	out := make([]*JobConfiguration, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Configuration())
	}
	return out
}

// GetJob returns the configuration of one job
func (s *Scheduler) GetJob(id int64) (*JobConfiguration, error) {
	r, err := s.runner(id)
	if err != nil {
		return nil, err
	}
	return r.Configuration(), nil
}

// GetStates returns the state of all loaded jobs ordered by id
func (s *Scheduler) GetStates() []JobState {
	runners := s.snapshot()
	out := make([]JobState, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.State())
	}
	return out
}

// GetState returns the state of one job
func (s *Scheduler) GetState(id int64) (JobState, error) {
	r, err := s.runner(id)
	if err != nil {
		return JobState{}, err
	}
	return r.State(), nil
}

// Statistics returns up to limit past executions of a job, newest first
func (s *Scheduler) Statistics(ctx context.Context, id int64, limit int) ([]JobStatistics, error) {
	if _, err := s.runner(id); err != nil {
		return nil, err
	}
	return s.store.ListStatistics(ctx, id, limit)
}

func (s *Scheduler) awaitRunning(ctx context.Context) error {
	s.mu.Lock()
	started, stopping, ready := s.started, s.stopping, s.ready
	s.mu.Unlock()

	if !started || stopping {
		return ErrSchedulerNotRunning
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runner(id int64) (*Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "job %d", id)
	}
	return r, nil
}

func (s *Scheduler) snapshot() []*Runner {
	s.mu.Lock()
	out := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Scheduler) addRunner(config *JobConfiguration) (*Runner, error) {
	logger := s.logger.With(
		observability.NewField("job_id", config.ID),
		observability.NewField("job_name", config.Name),
	)
	job, err := s.registry.Create(logger, config)
	if err != nil {
		return nil, err
	}

	r := NewRunner(config, job, RunnerOptions{
		Logger:                s.logger,
		Metrics:               s.metrics,
		Tracer:                s.tracer,
		Clock:                 s.clock,
		Statistics:            s.store,
		PollInterval:          s.config.PollInterval,
		CancelWarningInterval: s.config.CancelWarningInterval,
		OnStateChanged:        s.queueState,
		OnCompleted:           s.saveStatistics,
	})

	s.mu.Lock()
	if _, exists := s.runners[config.ID]; exists {
		s.mu.Unlock()
		return nil, errors.Newf("job %d is already loaded", config.ID)
	}
	s.runners[config.ID] = r
	count := len(s.runners)
	s.mu.Unlock()

	s.jobsGauge.Set(float64(count))
	r.Start()
	return r, nil
}

// queueState replaces any unsent state of the same job
func (s *Scheduler) queueState(state JobState) {
	s.statesMu.Lock()
	s.pending[state.JobID] = state
	s.statesMu.Unlock()
}

func (s *Scheduler) sendStates(stop <-chan struct{}, sent chan<- struct{}) {
	defer close(sent)
	ticker := time.NewTicker(s.config.StateFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushStates()
		case <-stop:
			s.flushStates()
			return
		}
	}
}

func (s *Scheduler) flushStates() {
	s.statesMu.Lock()
	if len(s.pending) == 0 {
		s.statesMu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[int64]JobState, len(batch))
	s.statesMu.Unlock()

	ids := make([]int64, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ctx := context.Background()
	now := s.clock.Now()
	for _, id := range ids {
		state := batch[id]
		s.events.publish(ctx, JobEvent{Type: EventJobStateUpdated, OccurredAt: now, State: &state})
	}
}

// saveStatistics persists the record of a finished execution in the
// background. Failures are logged and never reach the runner.
func (s *Scheduler) saveStatistics(stats JobStatistics) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := Retry(ctx, s.config.StatisticsRetry, func(ctx context.Context) error {
			return s.store.InsertStatistics(ctx, stats)
		})
		if err != nil {
			s.logger.Error("Failed to save job statistics", err,
				observability.NewField("job_id", stats.JobID),
				observability.NewField("run_id", stats.ID.String()))
			return
		}
		s.events.publish(ctx, JobEvent{Type: EventJobStatisticsUpdated, OccurredAt: s.clock.Now(), Statistics: &stats})
	}()
}
