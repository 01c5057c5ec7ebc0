package jobs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
)

// KindRunProgram launches an external program
const KindRunProgram Kind = "run_program"

// RunProgramSettings configures a run_program job
type RunProgramSettings struct {
	FileName string `json:"file_name" yaml:"file_name" validate:"required"`

	// Arguments are split on whitespace; double quotes group words
	Arguments        string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`

	// CaptureOutput logs every output line and counts it into the statistics
	CaptureOutput bool `json:"capture_output" yaml:"capture_output"`

	// KillProcOnCancel kills the process on cancel instead of interrupting it
	KillProcOnCancel bool `json:"kill_proc_on_cancel" yaml:"kill_proc_on_cancel"`

	// CancelGracePeriod bounds the wait after an interrupt before the
	// process is killed. Zero means DefaultCancelGracePeriod.
	CancelGracePeriod time.Duration `json:"cancel_grace_period,omitempty" yaml:"cancel_grace_period,omitempty"`
}

// RunProgramJob runs the program of a run_program configuration. Settings
// are read from the configuration of each run so updates apply to the next run.
type RunProgramJob struct{}

// NewRunProgramJob is the Factory of KindRunProgram
func NewRunProgramJob(_ observability.Logger, config *JobConfiguration) (Job, error) {
	if config.RunProgram == nil || config.RunProgram.FileName == "" {
		return nil, errors.Wrap(ErrInvalidConfiguration, "run_program.file_name is required")
	}
	return &RunProgramJob{}, nil
}

// Execute starts the program and waits for it. A non-zero exit is a failure.
// On cancel the program is interrupted, or killed with KillProcOnCancel, and
// killed anyway once the grace period passes.
func (j *RunProgramJob) Execute(ctx context.Context, run *Execution) error {
	if run.Config.RunProgram == nil {
		return errors.Wrap(ErrInvalidConfiguration, "run_program settings are missing")
	}
	settings := *run.Config.RunProgram

	cmd := exec.CommandContext(ctx, settings.FileName, SplitArguments(settings.Arguments)...)
	cmd.Dir = settings.WorkingDirectory
	cmd.WaitDelay = settings.gracePeriod()
	cmd.Cancel = func() error {
		if settings.KillProcOnCancel {
			run.Logger.Warn("Killing program", observability.NewField("pid", cmd.Process.Pid))
			return cmd.Process.Kill()
		}
		run.Logger.Warn("Interrupting program", observability.NewField("pid", cmd.Process.Pid))
		return cmd.Process.Signal(os.Interrupt)
	}

	var stdout, stderr *lineWriter
	if settings.CaptureOutput {
		stdout = &lineWriter{emit: func(line string) {
			run.AddTotal(1)
			run.AddCompleted(1)
			run.Logger.Info(line, observability.NewField("stream", "stdout"))
		}}
		stderr = &lineWriter{emit: func(line string) {
			run.AddTotal(1)
			run.AddErrors(1)
			run.Logger.Warn(line, observability.NewField("stream", "stderr"))
		}}
		cmd.Stdout, cmd.Stderr = stdout, stderr
	}

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "failed to start %s", settings.FileName)
	}
	run.Logger.Info("Program started",
		observability.NewField("program", settings.FileName),
		observability.NewField("pid", cmd.Process.Pid))

	err := cmd.Wait()
	if settings.CaptureOutput {
		stdout.Flush()
		stderr.Flush()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// exited, but a child process kept the output open
		run.Logger.Warn("Program output still open after exit, closed it",
			observability.NewField("program", settings.FileName))
		return nil
	}
	return exitError(settings.FileName, err)
}

// DefaultCancelGracePeriod is how long a cancelled program gets to exit
// before it is killed
const DefaultCancelGracePeriod = 10 * time.Second

func (s RunProgramSettings) gracePeriod() time.Duration {
	if s.CancelGracePeriod > 0 {
		return s.CancelGracePeriod
	}
	return DefaultCancelGracePeriod
}

func exitError(program string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return errors.Newf("%s exited with code %d", program, exitErr.ExitCode())
	}
	return errors.Wrapf(err, "failed to wait for %s", program)
}

// maxLineLength caps a buffered output line; longer lines are emitted in pieces
const maxLineLength = 64 * 1024

// lineWriter splits program output into lines. It never refuses a write, so
// the program cannot block on a full pipe.
type lineWriter struct {
	buf  []byte
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	rest := w.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			if len(rest) < maxLineLength {
				break
			}
			w.emit(string(rest[:maxLineLength]))
			rest = rest[maxLineLength:]
			continue
		}
		w.emit(strings.TrimSuffix(string(rest[:i]), "\r"))
		rest = rest[i+1:]
	}
	w.buf = append(w.buf[:0], rest...)
	return len(p), nil
}

// Flush emits a trailing line without a newline
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}

// SplitArguments splits a command line on whitespace. Double quotes group
// words and are removed; an unterminated quote runs to the end.
func SplitArguments(s string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case !quoted && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
