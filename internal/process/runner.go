// Package process launches and supervises the emulator child process.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of the emulator process.
type State int

const (
	// StateCreated means the runner exists but the process has not started.
	StateCreated State = iota
	// StateRunning means the process is alive.
	StateRunning
	// StateExited means the process exited on its own.
	StateExited
	// StateKilled means the process died from a signal.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
)

// OutputFunc receives one line of emulator output. The stream is either
// "stdout" or "stderr".
type OutputFunc func(stream, line string)

// Runner supervises one emulator process. The emulator's console output is
// streamed line by line to an optional callback so the debug client can
// surface it.
type Runner struct {
	logger zerolog.Logger
	path   string
	args   []string
	output OutputFunc

	cmd      *exec.Cmd
	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.Mutex
	exitErr error
}

// NewRunner prepares a runner for the given emulator binary. output may be
// nil to discard console output.
func NewRunner(logger zerolog.Logger, path string, args []string, output OutputFunc) *Runner {
	r := &Runner{
		logger: logger.With().Str("component", "emulator").Logger(),
		path:   path,
		args:   args,
		output: output,
		done:   make(chan struct{}),
	}
	r.state.Store(int32(StateCreated))
	r.exitCode.Store(-1)
	return r
}

// Start launches the emulator and begins supervising it.
func (r *Runner) Start() error {
	if r.State() != StateCreated {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(r.path, r.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start emulator: %w", err)
	}
	r.cmd = cmd
	r.state.Store(int32(StateRunning))
	r.logger.Info().Str("path", r.path).Int("pid", cmd.Process.Pid).Msg("Emulator started")

	var streams sync.WaitGroup
	streams.Add(2)
	go r.streamLines("stdout", stdout, &streams)
	go r.streamLines("stderr", stderr, &streams)
	go r.waitLoop(&streams)
	return nil
}

func (r *Runner) streamLines(stream string, pipe interface{ Read([]byte) (int, error) }, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug().Str("stream", stream).Msg(line)
		if r.output != nil {
			r.output(stream, line)
		}
	}
}

// waitLoop reaps the process and records how it ended. Output streams are
// drained first so no line is lost between exit and callback.
func (r *Runner) waitLoop(streams *sync.WaitGroup) {
	streams.Wait()
	err := r.cmd.Wait()

	r.mu.Lock()
	r.exitErr = err
	r.mu.Unlock()

	code := 0
	state := StateExited
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			code = -1
		}
	}

	r.exitCode.Store(int32(code))
	r.state.Store(int32(state))
	r.logger.Info().Int("exit_code", code).Stringer("state", state).Msg("Emulator exited")
	close(r.done)
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Done returns a channel closed when the process has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// ExitCode returns the exit code, or -1 while the process is running.
func (r *Runner) ExitCode() int {
	return int(r.exitCode.Load())
}

// ExitError returns the error from reaping the process, if any.
func (r *Runner) ExitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

// PID returns the process id, or -1 before Start.
func (r *Runner) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return -1
	}
	return r.cmd.Process.Pid
}

// Stop asks the emulator to exit with SIGTERM and escalates to SIGKILL
// after the grace period. Returns once the process has been reaped. Calling
// Stop on a process that already exited is a no-op.
func (r *Runner) Stop(grace time.Duration) error {
	if r.State() != StateRunning {
		return nil
	}
	if r.cmd == nil || r.cmd.Process == nil {
		return ErrNotStarted
	}

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have raced us to the exit.
		r.logger.Debug().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(grace):
	}

	r.logger.Warn().Dur("grace", grace).Msg("Emulator ignored SIGTERM, killing")
	if err := r.cmd.Process.Kill(); err != nil {
		r.logger.Debug().Err(err).Msg("SIGKILL failed")
	}
	<-r.done
	return nil
}
