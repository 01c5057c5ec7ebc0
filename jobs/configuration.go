package jobs

import (
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// DefaultJobTimeout bounds a single execution when the configuration sets none
const DefaultJobTimeout = 24 * time.Hour

// RunState controls whether a job runs on its schedule, only on demand, or not at all
type RunState int

const (
	RunStateDisabled RunState = iota
	RunStateManual
	RunStateAutomatic
)

var runStateNames = map[RunState]string{
	RunStateDisabled:  "disabled",
	RunStateManual:    "manual",
	RunStateAutomatic: "automatic",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the run state by name
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a run state name
func (s *RunState) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for state, n := range runStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return errors.Newf("unknown run state %q", text)
}

// Kind names a job implementation. Each kind is bound to a Factory in a Registry.
type Kind string

// AuditInfo tracks when a configuration was created and changed
type AuditInfo struct {
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	ModifiedAt time.Time `json:"modified_at" yaml:"modified_at"`
	Archived   bool      `json:"archived" yaml:"archived"`
}

// JobConfiguration is the persisted definition of a job. Kind selects the
// implementation; the matching payload field carries its settings.
type JobConfiguration struct {
	ID                            int64         `json:"id" yaml:"id"`
	Name                          string        `json:"name" yaml:"name" validate:"required,max=200"`
	Kind                          Kind          `json:"kind" yaml:"kind" validate:"required"`
	RunState                      RunState      `json:"run_state" yaml:"run_state"`
	Timeout                       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"min=0"`
	RunImmediatelyIfRunTimeMissed bool          `json:"run_immediately_if_run_time_missed" yaml:"run_immediately_if_run_time_missed"`
	AllowSimultaneousExecutions   bool          `json:"allow_simultaneous_executions" yaml:"allow_simultaneous_executions"`
	Schedule                      Schedule      `json:"schedule" yaml:"schedule"`
	Audit                         AuditInfo     `json:"audit" yaml:"audit"`

	RunProgram *RunProgramSettings `json:"run_program,omitempty" yaml:"run_program,omitempty" validate:"required_if=Kind run_program"`
	Parameters map[string]string   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// EffectiveTimeout returns Timeout, or DefaultJobTimeout when unset
func (c *JobConfiguration) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return c.Timeout
}

// Clone returns a deep copy so callers can edit it without touching live state
func (c *JobConfiguration) Clone() *JobConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	if c.RunProgram != nil {
		rp := *c.RunProgram
		out.RunProgram = &rp
	}
	if c.Parameters != nil {
		out.Parameters = make(map[string]string, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the static fields of a configuration. It does not check
// that the schedule can fire; that surfaces as StatusMisconfigured.
func (c *JobConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
			}
			return errors.Wrap(ErrInvalidConfiguration, strings.Join(fields, "; "))
		}
		return errors.Wrap(ErrInvalidConfiguration, err.Error())
	}
	if c.RunState < RunStateDisabled || c.RunState > RunStateAutomatic {
		return errors.Wrapf(ErrInvalidConfiguration, "run state %d is out of range", int(c.RunState))
	}
	return nil
}
