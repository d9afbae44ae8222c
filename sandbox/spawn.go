// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "time"

// Execution requirement keys a spawn may carry. Consumed by the spawn
// runner to decide between worker and sandboxed local execution.
const (
	// RequirementSupportsWorkers marks spawns whose tool can run as a
	// persistent worker.
	RequirementSupportsWorkers = "supports-workers"

	// RequirementSupportsMultiplex marks tools that tolerate
	// interleaved concurrent requests over one worker process.
	RequirementSupportsMultiplex = "supports-multiplex-workers"

	// RequirementNoSandbox opts a spawn out of filesystem isolation.
	RequirementNoSandbox = "no-sandbox"
)

// Input is one declared input file of a spawn: where it lives on the
// real filesystem, where it must appear inside the execution root, and
// the content digest used for incremental staging checks.
type Input struct {
	// Path is the exec-root-relative destination.
	Path string

	// Source is the absolute path of the original file.
	Source string

	// Digest is the lowercase hex content digest of the file.
	Digest string
}

// Spawn describes one subprocess invocation: a command, its visible
// inputs, and its declared outputs. Spawns are value objects built by
// the action layer and consumed read-only here.
type Spawn struct {
	// Arguments is the command line, argv[0] first.
	Arguments []string

	// Environment is the subprocess environment.
	Environment map[string]string

	// Inputs are the files visible inside the execution root.
	Inputs []Input

	// Outputs are the exec-root-relative paths the command is
	// expected to produce.
	Outputs []string

	// WritableDirs are exec-root-relative scratch directories the
	// command may write to.
	WritableDirs []string

	// Timeout bounds wall-clock execution. Zero means the runner's
	// configured default.
	Timeout time.Duration

	// ExecutionRequirements carry tool capabilities and execution
	// policy hints, keyed by the Requirement constants.
	ExecutionRequirements map[string]string

	// Mnemonic names the action kind for diagnostics ("Javac",
	// "TsCompile").
	Mnemonic string
}

// SupportsWorkers reports whether the spawn's tool can run as a
// persistent worker.
func (s *Spawn) SupportsWorkers() bool {
	return s.ExecutionRequirements[RequirementSupportsWorkers] == "1"
}

// SupportsMultiplex reports whether the spawn's tool tolerates
// interleaved requests on a shared worker process.
func (s *Spawn) SupportsMultiplex() bool {
	return s.ExecutionRequirements[RequirementSupportsMultiplex] == "1"
}

// Sandboxed reports whether the spawn wants filesystem isolation.
func (s *Spawn) Sandboxed() bool {
	return s.ExecutionRequirements[RequirementNoSandbox] != "1"
}

// Status classifies how a spawn concluded.
type Status int

const (
	// StatusSuccess: the command ran and exited zero.
	StatusSuccess Status = iota

	// StatusNonZeroExit: the command ran and failed on its own terms.
	StatusNonZeroExit

	// StatusTimedOut: the command exceeded its deadline and was
	// terminated. Distinct from NonZeroExit so callers can tell "slow"
	// from "broken".
	StatusTimedOut

	// StatusCancelled: the caller abandoned the spawn before it
	// finished.
	StatusCancelled

	// StatusWorkerFailure: the persistent worker died, was poisoned,
	// or failed to start. The tool may be fine; the machinery is not.
	StatusWorkerFailure

	// StatusSandboxFailure: staging the execution root or collecting
	// outputs failed. Infrastructure, not the action.
	StatusSandboxFailure
)

// String returns the status name for logs and results.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNonZeroExit:
		return "non-zero-exit"
	case StatusTimedOut:
		return "timed-out"
	case StatusCancelled:
		return "cancelled"
	case StatusWorkerFailure:
		return "worker-failure"
	case StatusSandboxFailure:
		return "sandbox-failure"
	default:
		return "unknown"
	}
}

// SpawnResult is the structured outcome of one spawn. Every failure
// mode in the execution core resolves into one of these; nothing is
// reported by panicking or hanging.
type SpawnResult struct {
	// Status classifies the outcome.
	Status Status

	// ExitCode is the command's exit code when it ran, or -1.
	ExitCode int

	// Output is the captured stdout/stderr text (worker responses
	// deliver them combined).
	Output string

	// WallTime is how long execution took.
	WallTime time.Duration

	// FailureMessage carries diagnostic detail for non-success
	// statuses, including a worker's captured output tail after death
	// or poisoning.
	FailureMessage string

	// ForciblyKilled records that the grace period after polite
	// termination expired and the process was killed.
	ForciblyKilled bool
}

// Success reports whether the spawn ran and exited zero.
func (r *SpawnResult) Success() bool {
	return r.Status == StatusSuccess
}
