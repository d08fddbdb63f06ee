// Package process runs one shell command line at a time and captures its output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"cmdflow/internal/logging"
	"cmdflow/internal/util"
)

// ErrStart is returned when the shell itself cannot be started.
var ErrStart = errors.New("failed to start process")

// ExitCancelled is reported when a run is cancelled before the process could
// report a status of its own.
const ExitCancelled = 130

// Stream identifies which output a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Result is the outcome of one command line.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Cancelled bool
	Duration  time.Duration
}

// Success reports whether the command exited 0 and was not cancelled.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.Cancelled
}

// Opts configures an Executor.
type Opts struct {
	// Shell defaults to $SHELL, then /bin/sh.
	Shell string
	// NoLogin skips the login-shell flag. Login shells pick up the user's profile.
	NoLogin bool
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// OnOutput receives output chunks as they are produced. Calls are serialized.
	OnOutput func(stream Stream, chunk []byte)
	// WaitDelay bounds how long Run waits for output pipes after the process
	// exits or is signalled. Defaults to 2s.
	WaitDelay time.Duration
}

// Executor manages exactly one in-flight process. Callers that need
// parallelism create one Executor per worker.
type Executor struct {
	opts Opts

	mu     sync.Mutex
	cancel context.CancelFunc
	outMu  sync.Mutex
}

// New creates an Executor.
func New(opts Opts) *Executor {
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	opts.Shell = util.ExpandEnvUniversal(opts.Shell)
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 2 * time.Second
	}
	return &Executor{opts: opts}
}

// Shell returns the shell binary in use.
func (e *Executor) Shell() string { return e.opts.Shell }

// Run executes commandLine through the shell and waits for it to finish.
// A non-zero exit is reported in Result, not as an error; the error is only
// set when the process could not be started. Cancelling ctx, or calling Cancel,
// sends SIGTERM to the process group and Run still returns a Result.
func (e *Executor) Run(ctx context.Context, commandLine string) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: executor already has a process in flight", ErrStart)
	}
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	args := []string{"-c", commandLine}
	if !e.opts.NoLogin {
		args = append([]string{"-l"}, args...)
	}
	cmd := exec.CommandContext(runCtx, e.opts.Shell, args...)
	cmd.Dir = e.opts.Dir
	if len(e.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), e.opts.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = e.opts.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = e.writer(&stdout, Stdout)
	cmd.Stderr = e.writer(&stderr, Stderr)

	if runCtx.Err() != nil {
		return &Result{ExitCode: ExitCancelled, Cancelled: true}, nil
	}
	logging.Logf(logging.Debug, "Executing: %s %v", e.opts.Shell, args)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, e.opts.Shell, err)
	}
	waitErr := cmd.Wait()

	result := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Cancelled: runCtx.Err() != nil,
	}
	result.ExitCode = exitCode(cmd, waitErr)
	if result.Cancelled && result.ExitCode == 0 {
		result.ExitCode = ExitCancelled
	}
	logging.Logf(logging.Debug, "Process exited with code %d after %v (cancelled=%v)", result.ExitCode, result.Duration, result.Cancelled)
	return result, nil
}

// Cancel terminates the in-flight process, if any. Safe to call at any time.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a process is in flight.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Executor) writer(buf *bytes.Buffer, stream Stream) io.Writer {
	if e.opts.OnOutput == nil {
		return buf
	}
	return &streamWriter{buf: buf, stream: stream, exec: e}
}

// streamWriter tees output into the capture buffer and the OnOutput callback.
type streamWriter struct {
	buf    *bytes.Buffer
	stream Stream
	exec   *Executor
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, _ := w.buf.Write(p)
	chunk := append([]byte(nil), p...)
	w.exec.outMu.Lock()
	w.exec.opts.OnOutput(w.stream, chunk)
	w.exec.outMu.Unlock()
	return n, nil
}

// exitCode maps the result of Wait to a shell-style status: the process's
// own code, or 128+signal when it was killed by a signal.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		if sig, ok := signalOf(cmd.ProcessState); ok {
			return 128 + sig
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return -1
}
