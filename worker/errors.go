// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
)

// StartupError reports that a worker process could not be launched at
// all (missing binary, permission denied). Fatal to the borrow
// attempt that triggered the launch; the pool does not retry.
type StartupError struct {
	// Tool is the executable that failed to launch.
	Tool string

	// Err is the underlying launch failure.
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting worker %s: %v", e.Tool, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProtocolViolationError reports that a worker emitted bytes that do
// not form a valid protocol exchange: a malformed frame, or a
// response whose request ID matches no pending request ("poisoning").
// The multiplexer that observed it is already destroyed.
type ProtocolViolationError struct {
	// Reason describes the violation.
	Reason string

	// OutputTail is the captured tail of the worker's stderr, so the
	// user can tell a crashed tool from broken machinery.
	OutputTail string

	// Err is the underlying framing error, if any.
	Err error
}

func (e *ProtocolViolationError) Error() string {
	message := "worker protocol violation: " + e.Reason
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	if e.OutputTail != "" {
		message += "\n--- worker output tail ---\n" + e.OutputTail
	}
	return message
}

func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// WorkerDeathError reports that the worker process exited or closed
// its output stream while requests were pending. Every waiter on the
// dead worker receives this error; the pool evicts the instance.
type WorkerDeathError struct {
	// ExitCode is the process exit code, or -1 when unknown (stream
	// closed before the process was reaped).
	ExitCode int

	// OutputTail is the captured tail of the worker's stderr.
	OutputTail string

	// Err is the underlying stream error, if any.
	Err error
}

func (e *WorkerDeathError) Error() string {
	message := "worker process died unexpectedly"
	if e.ExitCode >= 0 {
		message += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	if e.OutputTail != "" {
		message += "\n--- worker output tail ---\n" + e.OutputTail
	}
	return message
}

func (e *WorkerDeathError) Unwrap() error { return e.Err }

// ErrMultiplexerDestroyed is returned by operations on a multiplexer
// after it transitioned to Destroyed. The original destruction cause
// (a WorkerDeathError or ProtocolViolationError) is wrapped alongside
// it.
var ErrMultiplexerDestroyed = errors.New("worker multiplexer destroyed")

// ErrPoolClosed is returned by Borrow after the pool has been closed.
var ErrPoolClosed = errors.New("worker pool closed")
