package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

const (
	DefaultPath          = "/usr/libexec/storage-dispatcher-helper"
	DefaultTimeout       = 60 * time.Second
	DefaultMaxConcurrent = 4

	maxStderr = 64 << 10
	waitDelay = 2 * time.Second
)

// maxStdout bounds the JSON result read from the helper. Tests lower it.
var maxStdout = 4 << 20

// helperEnv is the complete environment of the helper process.
var helperEnv = []string{
	"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
	"LC_ALL=C",
}

// Observer is told how every invocation ended.
type Observer func(op Op, state State, elapsed time.Duration)

// Runner spawns the helper binary.
type Runner struct {
	path     string
	timeout  time.Duration
	sem      *semaphore.Weighted
	observer Observer
}

// NewRunner creates a runner for the helper at path. Zero values select
// the defaults.
func NewRunner(path string, timeout time.Duration, maxConcurrent int) *Runner {
	if path == "" {
		path = DefaultPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Runner{
		path:    path,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// SetObserver installs a completion hook. Call before sharing the runner.
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Path returns the helper binary path.
func (r *Runner) Path() string { return r.path }

// Run executes inv in a fresh helper process and decodes its result. When
// ctx is cancelled or the timeout elapses the helper's process group gets
// SIGTERM, and SIGKILL if it is still around after a grace period. Failures
// are never retried.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	args, err := inv.Args()
	if err != nil {
		return nil, err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Op: inv.Op, State: StateCancelled, ExitCode: -1, Err: err}
	}
	defer r.sem.Release(1)

	start := time.Now()
	res, herr := r.exec(ctx, inv.Op, args)
	state := StateSucceeded
	if herr != nil {
		state = herr.State
	}
	if r.observer != nil {
		r.observer(inv.Op, state, time.Since(start))
	}
	if herr != nil {
		slog.Warn("helper invocation failed",
			"op", inv.Op, "state", herr.State, "exit_code", herr.ExitCode, "error", herr)
		return nil, herr
	}
	return res, nil
}

func (r *Runner) exec(ctx context.Context, op Op, args []string) (*Result, *Error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout := &cappedBuffer{max: maxStdout}
	stderr := &cappedBuffer{max: maxStderr}
	cmd := exec.CommandContext(runCtx, r.path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = helperEnv
	// The helper leads its own group so its btrfs child is signalled too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	slog.Debug("spawning helper", "path", r.path, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: op, State: StateSpawnFailed, ExitCode: -1,
			Err: errors.Wrapf(err, "start %s", r.path)}
	}

	waitErr := cmd.Wait()
	if runCtx.Err() != nil {
		// Whatever survived SIGTERM and the helper's own exit.
		signalGroup(cmd.Process.Pid, unix.SIGKILL) //nolint:errcheck
	}
	fail := func(state State, err error) *Error {
		code := -1
		if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
			code = cmd.ProcessState.ExitCode()
		}
		return &Error{Op: op, State: state, ExitCode: code, Stderr: stderr.String(), Err: err}
	}

	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fail(StateCancelled, ctx.Err())
		case runCtx.Err() != nil:
			return nil, fail(StateTimedOut, errors.Errorf("no result after %s", r.timeout))
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				return nil, fail(StateFailed, nil)
			}
			return nil, fail(StateFailed, waitErr)
		}
	}

	if stdout.overflow {
		return nil, fail(StateFailed, errors.Errorf("output exceeds %d bytes", stdout.max))
	}
	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.buf.Bytes()), &res); err != nil {
		return nil, fail(StateFailed, errors.Wrapf(err, "malformed output %q", truncate(stdout.String(), 256)))
	}
	if !res.Success {
		return nil, fail(StateFailed, errors.New("helper reported failure"))
	}
	return &res, nil
}

// signalGroup sends sig to the process group led by pid. A group that is
// already gone counts as done.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf      bytes.Buffer
	max      int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if len(p) > room {
		c.overflow = true
	}
	if room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
