package jobs

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// JobStatus is the position of a job in its lifecycle
type JobStatus int

const (
	StatusUnknown JobStatus = iota
	StatusMisconfigured
	StatusRunning
	StatusIdle
	StatusCancelling
	StatusCancelled
)

var statusNames = map[JobStatus]string{
	StatusUnknown:       "unknown",
	StatusMisconfigured: "misconfigured",
	StatusRunning:       "running",
	StatusIdle:          "idle",
	StatusCancelling:    "cancelling",
	StatusCancelled:     "cancelled",
}

func (s JobStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the status by name
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *JobStatus) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return errors.Newf("unknown job status %q", text)
}

// JobState is a point-in-time snapshot of a job
type JobState struct {
	JobID           int64          `json:"job_id"`
	Name            string         `json:"name"`
	Status          JobStatus      `json:"status"`
	LastRunDuration time.Duration  `json:"last_run_duration"`
	NextRunTime     time.Time      `json:"next_run_time,omitempty"`
	RunningTasks    int            `json:"running_tasks"`
	Statistics      *JobStatistics `json:"statistics,omitempty"`
}

// JobStatistics records the outcome of one execution
type JobStatistics struct {
	ID                    uuid.UUID     `json:"id"`
	JobID                 int64         `json:"job_id"`
	StartTime             time.Time     `json:"start_time"`
	Duration              time.Duration `json:"duration"`
	CompletedSuccessfully bool          `json:"completed_successfully"`
	Cancelled             bool          `json:"cancelled"`
	TotalItems            int64         `json:"total_items"`
	CompletedItems        int64         `json:"completed_items"`
	Errors                int64         `json:"errors"`
	Message               string        `json:"message,omitempty"`
}

func (s *JobStatistics) clone() *JobStatistics {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
