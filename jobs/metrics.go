package jobs

import (
	"github.com/santif/jobsched/observability"
)

// RunnerMetrics holds the per-job execution metrics
type RunnerMetrics struct {
	// Counters
	startedRuns   observability.Counter
	completedRuns observability.Counter
	failedRuns    observability.Counter
	cancelledRuns observability.Counter
	missedRuns    observability.Counter

	// Histograms
	runDuration observability.Histogram

	// Gauges
	runningTasks observability.Gauge
}

// newRunnerMetrics creates and registers the metrics of one job
func newRunnerMetrics(metrics observability.Metrics, jobName string) *RunnerMetrics {
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}
	labels := map[string]string{"job": jobName}

	return &RunnerMetrics{
		startedRuns: metrics.Counter(
			"job_runs_started_total",
			"Total number of job executions started",
			"job",
		).WithLabels(labels),
		completedRuns: metrics.Counter(
			"job_runs_completed_total",
			"Total number of job executions that completed successfully",
			"job",
		).WithLabels(labels),
		failedRuns: metrics.Counter(
			"job_runs_failed_total",
			"Total number of job executions that failed or timed out",
			"job",
		).WithLabels(labels),
		cancelledRuns: metrics.Counter(
			"job_runs_cancelled_total",
			"Total number of job executions that were cancelled",
			"job",
		).WithLabels(labels),
		missedRuns: metrics.Counter(
			"job_runs_missed_total",
			"Total number of run times that elapsed while a previous execution was still running",
			"job",
		).WithLabels(labels),
		runDuration: metrics.Histogram(
			"job_run_duration_seconds",
			"Duration of job execution in seconds",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 3600},
			"job",
		).WithLabels(labels),
		runningTasks: metrics.Gauge(
			"job_running_tasks",
			"Number of executions currently in flight",
			"job",
		).WithLabels(labels),
	}
}
