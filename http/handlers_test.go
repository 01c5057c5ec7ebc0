package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/core"
	"github.com/santif/jobsched/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[int64]*jobs.JobConfiguration
	nextID    int64
	running   map[int64]bool
	cancelled []int64
	stats     []jobs.JobStatistics
	stopped   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[int64]*jobs.JobConfiguration), running: make(map[int64]bool)}
}

func (f *fakeScheduler) AddJob(_ context.Context, c *jobs.JobConfiguration) (*jobs.JobConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, jobs.ErrSchedulerNotRunning
	}
	if c.Kind != "noop" {
		return nil, errors.Wrapf(jobs.ErrUnknownJobKind, "kind %q", c.Kind)
	}
	if c.Name == "" {
		return nil, errors.Wrap(jobs.ErrInvalidConfiguration, "name is required")
	}
	f.nextID++
	cp := *c
	cp.ID = f.nextID
	f.jobs[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeScheduler) UpdateJob(_ context.Context, c *jobs.JobConfiguration) (*jobs.JobConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[c.ID]; !ok {
		return nil, jobs.ErrJobNotFound
	}
	cp := *c
	f.jobs[c.ID] = &cp
	return &cp, nil
}

func (f *fakeScheduler) DeleteJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return jobs.ErrJobNotFound
	}
	if f.running[id] {
		return jobs.ErrJobRunning
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeScheduler) RunJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	if c.RunState == jobs.RunStateDisabled {
		return jobs.ErrJobDisabled
	}
	f.running[id] = true
	return nil
}

func (f *fakeScheduler) CancelJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return jobs.ErrJobNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeScheduler) GetJobs() []*jobs.JobConfiguration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*jobs.JobConfiguration, 0, len(f.jobs))
	for id := int64(1); id <= f.nextID; id++ {
		if c, ok := f.jobs[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeScheduler) GetJob(id int64) (*jobs.JobConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return c, nil
}

func (f *fakeScheduler) GetStates() []jobs.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobs.JobState
	for id := int64(1); id <= f.nextID; id++ {
		if c, ok := f.jobs[id]; ok {
			out = append(out, jobs.JobState{JobID: id, Name: c.Name, Status: jobs.StatusIdle})
		}
	}
	return out
}

func (f *fakeScheduler) GetState(id int64) (jobs.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.jobs[id]
	if !ok {
		return jobs.JobState{}, jobs.ErrJobNotFound
	}
	return jobs.JobState{JobID: id, Name: c.Name, Status: jobs.StatusIdle}, nil
}

func (f *fakeScheduler) Statistics(_ context.Context, id int64, limit int) ([]jobs.JobStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return nil, jobs.ErrJobNotFound
	}
	if limit < len(f.stats) {
		return f.stats[:limit], nil
	}
	return f.stats, nil
}

const testSecret = "test-secret"

func newTestAPI(t *testing.T, authEnabled bool) (*fakeScheduler, http.Handler) {
	t.Helper()
	sched := newFakeScheduler()
	health := core.NewHealthChecker(time.Second)
	health.AddCheck("store", func(context.Context) error { return nil })

	authCfg := AuthConfig{Enabled: authEnabled, Secret: testSecret, Issuer: "jobsched"}
	server := NewServer(DefaultServerConfig(), nil)
	server.Use(RequestID())
	NewAPI(sched, health, nil, NewAuthenticator(authCfg), nil).Register(server)
	return sched, server.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func noopJob(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":      name,
		"kind":      "noop",
		"run_state": "manual",
		"schedule":  map[string]interface{}{"trigger_type": "daily", "trigger_days": 127},
	}
}

func TestAPI_JobLifecycle(t *testing.T) {
	sched, h := newTestAPI(t, false)

	rec := do(t, h, http.MethodPost, "/v1/jobs", noopJob("nightly"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/jobs/1", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var created jobs.JobConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, jobs.RunStateManual, created.RunState)
	assert.Equal(t, jobs.TriggerDaily, created.Schedule.TriggerType)

	rec = do(t, h, http.MethodGet, "/v1/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobs.JobConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Name)

	update := noopJob("renamed")
	rec = do(t, h, http.MethodPut, "/v1/jobs/1", update, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := sched.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", job.Name)

	rec = do(t, h, http.MethodPost, "/v1/jobs/1/run", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/jobs/1", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, jobs.ErrJobRunning.Error(), errorBody(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/jobs/1/cancel", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{1}, sched.cancelled)

	sched.running[1] = false
	rec = do(t, h, http.MethodDelete, "/v1/jobs/1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs/1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	sched, h := newTestAPI(t, false)

	t.Run("unknown kind", func(t *testing.T) {
		body := noopJob("x")
		body["kind"] = "mystery"
		rec := do(t, h, http.MethodPost, "/v1/jobs", body, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, errorBody(t, rec), "unknown job kind")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/v1/jobs", noopJob(""), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, errorBody(t, rec), "invalid request body")
	})

	t.Run("bad id", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/v1/jobs/abc/run", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("disabled job", func(t *testing.T) {
		body := noopJob("off")
		body["run_state"] = "disabled"
		rec := do(t, h, http.MethodPost, "/v1/jobs", body, "")
		require.Equal(t, http.StatusCreated, rec.Code)
		var created jobs.JobConfiguration
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

		rec = do(t, h, http.MethodPost, "/v1/jobs/"+strconv.FormatInt(created.ID, 10)+"/run", nil, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("scheduler stopped", func(t *testing.T) {
		sched.mu.Lock()
		sched.stopped = true
		sched.mu.Unlock()
		rec := do(t, h, http.MethodPost, "/v1/jobs", noopJob("late"), "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestAPI_StatesAndStatistics(t *testing.T) {
	sched, h := newTestAPI(t, false)
	_, err := sched.AddJob(context.Background(), &jobs.JobConfiguration{Name: "a", Kind: "noop"})
	require.NoError(t, err)
	sched.stats = []jobs.JobStatistics{{JobID: 1, CompletedSuccessfully: true}, {JobID: 1}, {JobID: 1}}

	rec := do(t, h, http.MethodGet, "/v1/states", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []jobs.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, jobs.StatusIdle, states[0].Status)

	rec = do(t, h, http.MethodGet, "/v1/states/1", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs/1/statistics?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []jobs.JobStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats, 2)
	assert.True(t, stats[0].CompletedSuccessfully)

	rec = do(t, h, http.MethodGet, "/v1/jobs/1/statistics?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SchedulePreview(t *testing.T) {
	_, h := newTestAPI(t, false)
	from := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC) // Monday

	rec := do(t, h, http.MethodPost, "/v1/schedule/preview", map[string]interface{}{
		"schedule": map[string]interface{}{
			"trigger_type": "daily",
			"start_time":   int64(9 * time.Hour),
			"trigger_days": int(jobs.Monday | jobs.Wednesday),
		},
		"from":  from,
		"count": 3,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 3)
	assert.True(t, resp.Runs[0].Equal(time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Runs[1].Equal(time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Runs[2].Equal(time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)))

	rec = do(t, h, http.MethodPost, "/v1/schedule/preview", map[string]interface{}{
		"schedule": map[string]interface{}{"trigger_type": "not_configured"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/schedule/preview", map[string]interface{}{
		"schedule": map[string]interface{}{"trigger_type": "daily", "trigger_days": 127},
		"count":    1000,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	sched := newFakeScheduler()
	health := core.NewHealthChecker(time.Second)
	health.AddCheck("store", func(context.Context) error { return errors.New("connection refused") })

	server := NewServer(DefaultServerConfig(), nil)
	NewAPI(sched, health, nil, nil, nil).Register(server)

	rec := do(t, server.Handler(), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report core.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, core.StatusDown, report.Status)
	assert.Equal(t, "connection refused", report.Checks["store"].Error)
}

func TestAPI_Auth(t *testing.T) {
	_, h := newTestAPI(t, true)

	rec := do(t, h, http.MethodPost, "/v1/jobs", noopJob("secured"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrMissingToken.Error(), errorBody(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/jobs", noopJob("secured"), "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// reads stay public
	rec = do(t, h, http.MethodGet, "/v1/jobs", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := IssueToken(AuthConfig{Secret: testSecret, Issuer: "jobsched"}, "ops", time.Minute)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/v1/jobs", noopJob("secured"), token)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
