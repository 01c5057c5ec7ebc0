package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusUnknown HealthStatus = "UNKNOWN"
	StatusUp      HealthStatus = "UP"
	StatusDown    HealthStatus = "DOWN"
)

// HealthCheck returns nil when the component is healthy
type HealthCheck func(ctx context.Context) error

// HealthResult is the outcome of one check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthReport aggregates all checks. Status is UP only when every check is UP.
type HealthReport struct {
	Status HealthStatus            `json:"status"`
	Checks map[string]HealthResult `json:"checks"`
}

// HealthChecker runs named checks concurrently, each bounded by a timeout
type HealthChecker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthChecker creates a checker; a non-positive timeout means 5s
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{timeout: timeout, checks: make(map[string]HealthCheck)}
}

func (h *HealthChecker) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Names returns the registered check names, sorted
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check. With no checks the status is UNKNOWN.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	report := HealthReport{Status: StatusUnknown, Checks: make(map[string]HealthResult, len(checks))}
	if len(checks) == 0 {
		return report
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			result := h.run(ctx, check)
			mu.Lock()
			report.Checks[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	report.Status = StatusUp
	for _, r := range report.Checks {
		if r.Status != StatusUp {
			report.Status = StatusDown
			break
		}
	}
	return report
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := HealthResult{Status: StatusUp, Duration: time.Since(start), Timestamp: start}
	if err != nil {
		result.Status = StatusDown
		result.Error = err.Error()
	}
	return result
}
