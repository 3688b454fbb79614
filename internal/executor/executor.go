package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jeeves/internal/domain"
	"github.com/SirClappington/jeeves/internal/pathsafe"
)

// waitDelay bounds how long Wait keeps reading output after the script was
// killed or has exited.
const waitDelay = 2 * time.Second

// Executor runs a resolved script. It must only ever be handed a target
// produced by pathsafe.Resolve.
type Executor struct {
	timeout time.Duration
	env     []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout kills the script after d. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithEnv sets the base environment of the child. Defaults to os.Environ().
func WithEnv(env []string) Option {
	return func(e *Executor) { e.env = env }
}

func New(opts ...Option) *Executor {
	e := &Executor{env: os.Environ()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result contains execution results
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Failure is the cause carried by a KindExecutionFailed error.
type Failure struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	// Err is the spawn or wait error.
	Err error
}

func (f *Failure) Error() string {
	switch {
	case f.TimedOut:
		return "timed out: " + f.Err.Error()
	case f.ExitCode > 0:
		return fmt.Sprintf("exit status %d: %s", f.ExitCode, f.Stderr)
	default:
		return f.Err.Error()
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Run executes target.Script with target.Dir as working directory and waits
// for it to exit. Output is buffered in full. A non-zero exit or a failed
// spawn returns a KindExecutionFailed error wrapping a *Failure; the Result
// is returned in both cases.
func (e *Executor) Run(ctx context.Context, target pathsafe.Target, job domain.Job) (*Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, target.Script)
	cmd.Dir = target.Dir
	cmd.Env = append(append([]string(nil), e.env...),
		"JEEVES_PROJECT="+job.Project,
		"JEEVES_JOB_ID="+job.ID,
	)
	if len(job.Content) > 0 {
		cmd.Stdin = bytes.NewReader(job.Content)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Timeouts kill the whole process group so forked children cannot keep
	// the output pipes, and with them Wait, open.
	killProcessGroup(cmd)
	if e.timeout > 0 {
		cmd.WaitDelay = waitDelay
	}

	start := time.Now()
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil && cmd.ProcessState.Success() {
		// The script exited 0 but left a child holding its output open.
		err = nil
	}
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	f := &Failure{ExitCode: -1, Stderr: res.Stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		f.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		f.Err = errors.Wrap(ctx.Err(), err.Error())
	}
	res.ExitCode = f.ExitCode
	return res, domain.NewError(domain.KindExecutionFailed, f)
}
