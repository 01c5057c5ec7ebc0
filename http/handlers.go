package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/core"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/observability"
)

const (
	maxBodyBytes        = 1 << 20
	defaultPreviewCount = 5
	maxPreviewCount     = 100
	defaultStatsLimit   = 20
)

// Scheduler is the part of jobs.Scheduler exposed over HTTP
type Scheduler interface {
	AddJob(ctx context.Context, config *jobs.JobConfiguration) (*jobs.JobConfiguration, error)
	UpdateJob(ctx context.Context, config *jobs.JobConfiguration) (*jobs.JobConfiguration, error)
	DeleteJob(ctx context.Context, id int64) error
	RunJob(ctx context.Context, id int64) error
	CancelJob(ctx context.Context, id int64) error
	GetJobs() []*jobs.JobConfiguration
	GetJob(id int64) (*jobs.JobConfiguration, error)
	GetStates() []jobs.JobState
	GetState(id int64) (jobs.JobState, error)
	Statistics(ctx context.Context, id int64, limit int) ([]jobs.JobStatistics, error)
}

// API serves the admin endpoints
type API struct {
	scheduler Scheduler
	health    *core.HealthChecker
	metrics   observability.Metrics
	metricsAt string
	auth      *Authenticator
	logger    observability.Logger
	now       func() time.Time
}

// NewAPI creates the admin API. health and metrics may be nil, in which case
// their endpoints are not registered.
func NewAPI(scheduler Scheduler, health *core.HealthChecker, metrics observability.Metrics, auth *Authenticator, logger observability.Logger) *API {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{})
	}
	return &API{
		scheduler: scheduler,
		health:    health,
		metrics:   metrics,
		metricsAt: "/metrics",
		auth:      auth,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetricsPath moves the exposition endpoint away from /metrics
func (a *API) WithMetricsPath(path string) *API {
	if path != "" {
		a.metricsAt = path
	}
	return a
}

// Register adds every route to the server. Mutating routes require auth.
func (a *API) Register(s *Server) {
	protect := a.auth.Middleware()

	s.Handle("GET /v1/jobs", http.HandlerFunc(a.listJobs))
	s.Handle("GET /v1/jobs/{id}", http.HandlerFunc(a.getJob))
	s.Handle("GET /v1/jobs/{id}/statistics", http.HandlerFunc(a.jobStatistics))
	s.Handle("GET /v1/states", http.HandlerFunc(a.listStates))
	s.Handle("GET /v1/states/{id}", http.HandlerFunc(a.getState))
	s.Handle("POST /v1/schedule/preview", http.HandlerFunc(a.previewSchedule))

	s.Handle("POST /v1/jobs", protect(http.HandlerFunc(a.addJob)))
	s.Handle("PUT /v1/jobs/{id}", protect(http.HandlerFunc(a.updateJob)))
	s.Handle("DELETE /v1/jobs/{id}", protect(http.HandlerFunc(a.deleteJob)))
	s.Handle("POST /v1/jobs/{id}/run", protect(http.HandlerFunc(a.runJob)))
	s.Handle("POST /v1/jobs/{id}/cancel", protect(http.HandlerFunc(a.cancelJob)))

	if a.health != nil {
		s.Handle("GET /health", http.HandlerFunc(a.checkHealth))
	}
	if a.metrics != nil {
		s.Handle("GET "+a.metricsAt, a.metrics.Handler())
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.GetJobs())
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	config, err := a.scheduler.GetJob(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (a *API) addJob(w http.ResponseWriter, r *http.Request) {
	var config jobs.JobConfiguration
	if err := decodeBody(r, &config); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := a.scheduler.AddJob(r.Context(), &config)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+strconv.FormatInt(created.ID, 10))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var config jobs.JobConfiguration
	if err := decodeBody(r, &config); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	config.ID = id
	updated, err := a.scheduler.UpdateJob(r.Context(), &config)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.scheduler.DeleteJob(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.scheduler.RunJob(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// cancelJob only requests cancellation; the job stops on its own time
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.scheduler.CancelJob(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) jobStatistics(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	limit := defaultStatsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.Newf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	stats, err := a.scheduler.Statistics(r.Context(), id, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) listStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.GetStates())
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	state, err := a.scheduler.GetState(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// PreviewRequest asks for the next Count fire times of Schedule after From
type PreviewRequest struct {
	Schedule jobs.Schedule `json:"schedule"`
	From     *time.Time    `json:"from,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// PreviewResponse lists computed fire times
type PreviewResponse struct {
	Runs        []time.Time `json:"runs"`
	Adjustments []string    `json:"adjustments,omitempty"`
}

func (a *API) previewSchedule(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	count := req.Count
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		writeError(w, http.StatusBadRequest, errors.Newf("count must not exceed %d", maxPreviewCount))
		return
	}
	from := a.now()
	if req.From != nil {
		from = *req.From
	}

	next, err := jobs.CalculateNextRun(req.Schedule, from)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	runs, err := jobs.NextRuns(req.Schedule, from, count)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{Runs: runs, Adjustments: next.Adjustments})
}

func (a *API) checkHealth(w http.ResponseWriter, r *http.Request) {
	report := a.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == core.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.Newf("invalid job id %q", raw))
		return 0, false
	}
	return id, true
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.WithContext(r.Context()).Error("Request failed", err,
			observability.NewField("path", r.URL.Path))
	}
	writeError(w, status, err)
}

// statusFor maps scheduler errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobRunning),
		errors.Is(err, jobs.ErrJobDisabled),
		errors.Is(err, jobs.ErrTaskAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrUnknownJobKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrInvalidConfiguration),
		errors.Is(err, jobs.ErrMisconfigured):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrSchedulerNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func decodeBody(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
