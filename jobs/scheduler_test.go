package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/messaging"
	"github.com/santif/jobsched/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder subscribes to every scheduler topic of a memory broker
type eventRecorder struct {
	mu     sync.Mutex
	events []JobEvent
}

func newEventRecorder(t *testing.T, broker *messaging.MemoryBroker) *eventRecorder {
	rec := &eventRecorder{}
	require.NoError(t, broker.Subscribe("jobs.*", func(ctx context.Context, msg messaging.Message) error {
		event, err := DecodeJobEvent(msg)
		if err != nil {
			return err
		}
		rec.mu.Lock()
		rec.events = append(rec.events, event)
		rec.mu.Unlock()
		return nil
	}))
	return rec
}

func (r *eventRecorder) ofType(eventType EventType) []JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JobEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *MemoryStore
	broker    *messaging.MemoryBroker
	events    *eventRecorder
	logger    *observability.RecordingLogger
}

func testRegistry(job Job) *Registry {
	registry := NewRegistry()
	registry.MustRegister("test", func(observability.Logger, *JobConfiguration) (Job, error) {
		return job, nil
	})
	return registry
}

func manualConfig(name string) *JobConfiguration {
	return &JobConfiguration{
		Name:     name,
		Kind:     "test",
		RunState: RunStateManual,
		Schedule: Schedule{TriggerType: TriggerDaily, StartTime: 9 * time.Hour, TriggerDays: AllDays},
	}
}

func newSchedulerFixture(t *testing.T, store Store, job Job, opts ...Option) *schedulerFixture {
	broker := messaging.NewMemoryBroker()
	logger := observability.NewRecordingLogger()
	config := DefaultSchedulerConfig()
	config.PollInterval = 5 * time.Millisecond
	config.StateFlushInterval = 10 * time.Millisecond
	config.StatisticsRetry = FixedRetryPolicy(time.Millisecond, 2)

	all := append([]Option{
		WithLogger(logger),
		WithPublisher(broker),
		WithRegistry(testRegistry(job)),
		WithConfig(config),
	}, opts...)

	f := &schedulerFixture{
		scheduler: NewScheduler(store, all...),
		broker:    broker,
		events:    newEventRecorder(t, broker),
		logger:    logger,
	}
	if mem, ok := store.(*MemoryStore); ok {
		f.store = mem
	}
	return f
}

func (f *schedulerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.scheduler.Start(context.Background()))
	select {
	case <-f.scheduler.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not load")
	}
	t.Cleanup(func() { _ = f.scheduler.Stop(context.Background()) })
}

func TestScheduler_RejectsOperationsWhenNotStarted(t *testing.T) {
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())

	_, err := f.scheduler.AddJob(context.Background(), manualConfig("early"))
	assert.True(t, errors.Is(err, ErrSchedulerNotRunning))
	assert.False(t, f.scheduler.IsRunning())
}

func TestScheduler_StartLoadsActiveJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	active := manualConfig("active")
	archived := manualConfig("archived")
	archived.Audit.Archived = true
	unknown := manualConfig("unknown")
	unknown.Kind = "nonexistent"
	for _, c := range []*JobConfiguration{active, archived, unknown} {
		require.NoError(t, store.InsertConfiguration(ctx, c))
	}

	f := newSchedulerFixture(t, store, newBlockingJob())
	f.start(t)

	assert.True(t, f.scheduler.IsRunning())
	jobs := f.scheduler.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "active", jobs[0].Name)
	assert.Equal(t, 1, f.logger.Count(observability.LogLevelError, "not supported"))

	states := f.scheduler.GetStates()
	require.Len(t, states, 1)
	assert.Equal(t, active.ID, states[0].JobID)
}

func TestScheduler_StartWithEmptyStore(t *testing.T) {
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())
	f.start(t)

	assert.True(t, f.scheduler.IsRunning())
	assert.Empty(t, f.scheduler.GetJobs())
}

func TestScheduler_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, time.February, 11, 8, 0, 0, 0, time.UTC))
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob(), WithClock(clock))
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, manualConfig("report"))
	require.NoError(t, err)
	assert.NotZero(t, added.ID)
	assert.Equal(t, clock.Now(), added.Audit.CreatedAt)

	stored, err := f.store.FindConfigurations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, added.ID, stored[0].ID)

	clock.Set(clock.Now().Add(time.Hour))
	update := added.Clone()
	update.Name = "weekly report"
	updated, err := f.scheduler.UpdateJob(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, added.Audit.CreatedAt, updated.Audit.CreatedAt)
	assert.Equal(t, clock.Now(), updated.Audit.ModifiedAt)

	current, err := f.scheduler.GetJob(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "weekly report", current.Name)

	require.NoError(t, f.scheduler.DeleteJob(ctx, added.ID))
	assert.Empty(t, f.scheduler.GetJobs())

	all, err := f.store.FindConfigurations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Audit.Archived)

	require.Len(t, f.events.ofType(EventJobAdded), 1)
	require.Len(t, f.events.ofType(EventJobUpdated), 1)
	require.Len(t, f.events.ofType(EventJobDeleted), 1)
	assert.Equal(t, "weekly report", f.events.ofType(EventJobUpdated)[0].Job.Name)
}

func TestScheduler_AddJobRejections(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())
	f.start(t)

	unknown := manualConfig("mystery")
	unknown.Kind = "nonexistent"
	_, err := f.scheduler.AddJob(ctx, unknown)
	assert.True(t, errors.Is(err, ErrUnknownJobKind))

	_, err = f.scheduler.AddJob(ctx, &JobConfiguration{Kind: "test"})
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	stored, err := f.store.FindConfigurations(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, f.events.ofType(EventJobAdded))
}

func TestScheduler_UnknownJob(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())
	f.start(t)

	missing := manualConfig("ghost")
	missing.ID = 404

	_, err := f.scheduler.UpdateJob(ctx, missing)
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.True(t, errors.Is(f.scheduler.DeleteJob(ctx, 404), ErrJobNotFound))
	assert.True(t, errors.Is(f.scheduler.RunJob(ctx, 404), ErrJobNotFound))
	assert.True(t, errors.Is(f.scheduler.CancelJob(ctx, 404), ErrJobNotFound))
	_, err = f.scheduler.GetJob(404)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestScheduler_UpdateCannotChangeKind(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, manualConfig("fixed"))
	require.NoError(t, err)

	changed := added.Clone()
	changed.Kind = KindRunProgram
	changed.RunProgram = &RunProgramSettings{FileName: "true"}
	_, err = f.scheduler.UpdateJob(ctx, changed)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestScheduler_RunningJobCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	job := newBlockingJob()
	f := newSchedulerFixture(t, NewMemoryStore(), job)
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, manualConfig("long"))
	require.NoError(t, err)

	require.NoError(t, f.scheduler.RunJob(ctx, added.ID))
	waitStarted(t, job)

	err = f.scheduler.DeleteJob(ctx, added.ID)
	assert.True(t, errors.Is(err, ErrJobRunning))
	assert.Contains(t, err.Error(), "long")

	err = f.scheduler.RunJob(ctx, added.ID)
	assert.True(t, errors.Is(err, ErrTaskAlreadyRunning))

	require.NoError(t, f.scheduler.CancelJob(ctx, added.ID))
	require.Eventually(t, func() bool {
		state, err := f.scheduler.GetState(added.ID)
		return err == nil && state.RunningTasks == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.scheduler.DeleteJob(ctx, added.ID))
}

func TestScheduler_PersistsStatistics(t *testing.T) {
	ctx := context.Background()
	job := newBlockingJob()
	close(job.release)
	f := newSchedulerFixture(t, NewMemoryStore(), job)
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, manualConfig("stats"))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.RunJob(ctx, added.ID))

	require.Eventually(t, func() bool {
		history, err := f.scheduler.Statistics(ctx, added.ID, 10)
		return err == nil && len(history) == 1 && history[0].CompletedSuccessfully
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.events.ofType(EventJobStatisticsUpdated)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.events.ofType(EventJobStateUpdated)) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ContinuousJobRunsRepeatedly(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on the wall clock")
	}
	ctx := context.Background()
	job := newBlockingJob()
	job.started = make(chan struct{}, 100)
	close(job.release)
	f := newSchedulerFixture(t, NewMemoryStore(), job)
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, &JobConfiguration{
		Name:     "heartbeat",
		Kind:     "test",
		RunState: RunStateAutomatic,
		Schedule: Schedule{TriggerType: TriggerContinuously, RepeatEvery: time.Second},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := f.scheduler.Statistics(ctx, added.ID, 10)
		return err == nil && len(history) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	history, err := f.scheduler.Statistics(ctx, added.ID, 10)
	require.NoError(t, err)
	for _, s := range history {
		assert.True(t, s.CompletedSuccessfully)
	}
	require.Eventually(t, func() bool {
		return len(f.events.ofType(EventJobStatisticsUpdated)) >= 2
	}, time.Second, 5*time.Millisecond)
}

type failingStatisticsStore struct {
	*MemoryStore
	attempts int
	mu       sync.Mutex
}

func (s *failingStatisticsStore) InsertStatistics(context.Context, JobStatistics) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return errors.New("database unavailable")
}

func TestScheduler_StatisticsFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	store := &failingStatisticsStore{MemoryStore: NewMemoryStore()}
	job := newBlockingJob()
	close(job.release)
	f := newSchedulerFixture(t, store, job)
	f.start(t)

	added, err := f.scheduler.AddJob(ctx, manualConfig("flaky"))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.RunJob(ctx, added.ID))

	require.Eventually(t, func() bool {
		return f.logger.Count(observability.LogLevelError, "Failed to save job statistics") == 1
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, 3, store.attempts)
	store.mu.Unlock()

	state, err := f.scheduler.GetState(added.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, f.events.ofType(EventJobStatisticsUpdated))
}

func TestScheduler_CoalescesStateUpdates(t *testing.T) {
	f := newSchedulerFixture(t, NewMemoryStore(), newBlockingJob())

	f.scheduler.queueState(JobState{JobID: 1, Status: StatusRunning})
	f.scheduler.queueState(JobState{JobID: 2, Status: StatusIdle})
	f.scheduler.queueState(JobState{JobID: 1, Status: StatusIdle})
	f.scheduler.flushStates()

	events := f.events.ofType(EventJobStateUpdated)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].State.JobID)
	assert.Equal(t, StatusIdle, events[0].State.Status)
	assert.Equal(t, int64(2), events[1].State.JobID)

	f.scheduler.flushStates()
	assert.Len(t, f.events.ofType(EventJobStateUpdated), 2)
}

// stubbornJob ignores cancellation for a while
func stubbornJob(started chan<- struct{}, delay time.Duration) JobFunc {
	return func(ctx context.Context, run *Execution) error {
		started <- struct{}{}
		<-ctx.Done()
		time.Sleep(delay)
		return ctx.Err()
	}
}

func TestScheduler_StopsJobsInParallel(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 3)
	f := newSchedulerFixture(t, NewMemoryStore(), stubbornJob(started, 300*time.Millisecond))
	require.NoError(t, f.scheduler.Start(ctx))
	<-f.scheduler.Ready()

	for _, name := range []string{"first", "second", "third"} {
		added, err := f.scheduler.AddJob(ctx, manualConfig(name))
		require.NoError(t, err)
		require.NoError(t, f.scheduler.RunJob(ctx, added.ID))
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	begin := time.Now()
	require.NoError(t, f.scheduler.Stop(ctx))
	assert.Less(t, time.Since(begin), 550*time.Millisecond)
	assert.False(t, f.scheduler.IsRunning())
	assert.Empty(t, f.scheduler.GetJobs())
}

func TestScheduler_StopGivesUpAfterTimeout(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 1)
	config := DefaultSchedulerConfig()
	config.ShutdownTimeout = 50 * time.Millisecond
	f := newSchedulerFixture(t, NewMemoryStore(), stubbornJob(started, time.Second), WithConfig(config))
	require.NoError(t, f.scheduler.Start(ctx))
	<-f.scheduler.Ready()

	added, err := f.scheduler.AddJob(ctx, manualConfig("stuck"))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.RunJob(ctx, added.ID))
	<-started

	begin := time.Now()
	err = f.scheduler.Stop(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, 1, f.logger.Count(observability.LogLevelWarn, "Timed out waiting for jobs to stop"))
}
