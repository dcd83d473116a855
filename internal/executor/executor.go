package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

const DefaultTimeout = 600 * time.Second

// Result is the raw outcome of one grading run. The exit code is not interpreted here.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	PID      int
	Duration time.Duration
}

type Executor interface {
	// Run executes command rooted at workDir. On deadline it returns a partial
	// Result together with *domain.TimeoutError.
	Run(ctx context.Context, command []string, workDir string, timeout time.Duration) (*Result, error)
}

type Options struct {
	// Env is appended to the server environment for every run.
	Env []string
	// WaitDelay bounds how long pipes may stay open after the process is killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

type executor struct {
	env       []string
	waitDelay time.Duration
	logger    *slog.Logger
}

func New(opts Options) Executor {
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &executor{env: opts.Env, waitDelay: opts.WaitDelay, logger: opts.Logger}
}

func (e *executor) Run(ctx context.Context, command []string, workDir string, timeout time.Duration) (*Result, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, &domain.ExecutionError{ExitCode: -1, Err: errors.New("empty command")}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(append(os.Environ(), e.env...), "GRADER_WORKSPACE="+workDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.waitDelay
	isolate(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &domain.ExecutionError{ExitCode: -1, Err: err}
	}
	res := &Result{PID: cmd.Process.Pid}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = cmd.ProcessState.ExitCode()

	// The deadline wins over whatever exit status the killed process reported.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("grading program killed at deadline", "pid", res.PID, "timeout", timeout.String())
		return res, &domain.TimeoutError{Timeout: timeout}
	}
	if ctx.Err() != nil {
		return res, &domain.ExecutionError{ExitCode: -1, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, &domain.ExecutionError{ExitCode: res.ExitCode, Err: waitErr}
	}
	return res, nil
}
