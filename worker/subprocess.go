// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is the multiplexer's and dedicated worker's view of a
// running worker subprocess: the two protocol streams plus lifecycle
// control. Production code uses [Subprocess]; tests substitute an
// in-memory pipe pair.
type Process interface {
	// Stdin is the stream work requests are written to.
	Stdin() io.Writer

	// Stdout is the stream work responses are read from.
	Stdout() io.Reader

	// Alive reports whether the process is still running. Non-blocking.
	Alive() bool

	// ExitCode returns the exit code once the process has been
	// reaped. The second result is false while still running or when
	// the code is unknown.
	ExitCode() (int, bool)

	// OutputTail returns the captured tail of the process's stderr.
	OutputTail() string

	// Destroy terminates the process and releases its pipes.
	// Idempotent.
	Destroy() error
}

// Subprocess owns exactly one OS worker process: the process handle,
// its stdin/stdout pipes, and the stderr tail recorder. It implements
// [Process].
type Subprocess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	recorder *OutputRecorder

	// reaped is closed once Wait has collected the exit status.
	reaped chan struct{}

	mu        sync.Mutex
	destroyed bool
	exitCode  int
	exited    bool
}

// StartSubprocess launches the worker process described by key. The
// process is placed in its own process group so Destroy can kill the
// tool together with anything it forked. Returns a *StartupError if
// the executable cannot be launched.
func StartSubprocess(key *WorkerKey) (*Subprocess, error) {
	recorder := NewOutputRecorder(DefaultTailSize)

	cmd := exec.Command(key.Tool, key.Args...)
	cmd.Dir = key.WorkDir
	cmd.Env = key.Environ()
	cmd.Stderr = recorder
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupError{Tool: key.Tool, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Tool: key.Tool, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Tool: key.Tool, Err: err}
	}

	s := &Subprocess{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		recorder: recorder,
		reaped:   make(chan struct{}),
		exitCode: -1,
	}

	// Reap in the background to avoid zombies and record the exit
	// code for death reports.
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exited = true
		if cmd.ProcessState != nil {
			s.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			s.exitCode = -1
		}
		s.mu.Unlock()
		close(s.reaped)
	}()

	return s, nil
}

// Stdin returns the write side of the worker's stdin pipe.
func (s *Subprocess) Stdin() io.Writer { return s.stdin }

// Stdout returns the read side of the worker's stdout pipe.
func (s *Subprocess) Stdout() io.Reader { return s.stdout }

// PID returns the worker process ID.
func (s *Subprocess) PID() int { return s.cmd.Process.Pid }

// Alive reports whether the process is still running. Signal 0 checks
// liveness without delivering a signal; ESRCH means the process is
// gone.
func (s *Subprocess) Alive() bool {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	return s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// ExitCode returns the process exit code after it has been reaped.
func (s *Subprocess) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return 0, false
	}
	return s.exitCode, true
}

// OutputTail returns the captured tail of the worker's stderr.
func (s *Subprocess) OutputTail() string { return s.recorder.Tail() }

// Reaped returns a channel closed once the process has been waited
// on.
func (s *Subprocess) Reaped() <-chan struct{} { return s.reaped }

// Terminate sends SIGTERM to the worker's process group, giving the
// tool a chance to flush and exit. Callers that need a guarantee
// follow up with Destroy after a grace period.
func (s *Subprocess) Terminate() error {
	return s.signalGroup(unix.SIGTERM)
}

// Destroy kills the worker's process group and closes both pipes.
// Idempotent; safe to call from any goroutine, including after the
// process already exited.
func (s *Subprocess) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	// Closing stdin is the polite half: a well-behaved worker sees
	// EOF and exits on its own. The SIGKILL below catches the rest.
	s.stdin.Close()
	if err := s.signalGroup(unix.SIGKILL); err != nil && !isProcessGone(err) {
		// Process group already gone is the expected case when the
		// worker exited first.
		s.stdout.Close()
		return fmt.Errorf("killing worker process group: %w", err)
	}
	<-s.reaped
	s.stdout.Close()
	return nil
}

// signalGroup delivers sig to the worker's process group (negative
// PID), falling back to the single process if the group is gone.
func (s *Subprocess) signalGroup(sig unix.Signal) error {
	pid := s.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			return err
		}
		// EPERM on the group can happen if members changed group;
		// try the lone process.
		return s.cmd.Process.Signal(sig)
	}
	return nil
}

// isProcessGone reports whether err indicates the target process no
// longer exists.
func isProcessGone(err error) bool {
	return err == unix.ESRCH || err == os.ErrProcessDone
}
