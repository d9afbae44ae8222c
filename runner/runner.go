// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chisel-build/chisel/lib/clock"
	"github.com/chisel-build/chisel/lib/digest"
	"github.com/chisel-build/chisel/sandbox"
	"github.com/chisel-build/chisel/worker"
	"github.com/chisel-build/chisel/workerproto"
)

// Options configures a Runner.
type Options struct {
	// Logger receives per-spawn events. Nil means discard.
	Logger *slog.Logger

	// Clock drives timeouts. Nil means the real clock.
	Clock clock.Clock

	// Pool supplies persistent workers. Nil disables worker mode;
	// every spawn runs as a fresh subprocess.
	Pool *worker.Pool

	// SandboxBase is where per-spawn execution roots are created.
	SandboxBase string

	// WorkerWorkDirs is where persistent workers' reusable work
	// directories live, one per worker key.
	WorkerWorkDirs string

	// WorkspaceName is the workspace directory name inside every
	// execution root.
	WorkspaceName string

	// OutputRoot receives collected outputs. Empty skips collection.
	OutputRoot string

	// DefaultTimeout applies to spawns without their own. Zero means
	// 5 minutes.
	DefaultTimeout time.Duration

	// TerminationGrace is the wait between polite termination and
	// forced kill. Zero means 5 seconds.
	TerminationGrace time.Duration

	// Strategy selects symlink or copy staging for execution roots.
	Strategy sandbox.Strategy

	// Deleter tears down per-spawn sandboxes. Nil means synchronous.
	Deleter sandbox.TreeDeleter
}

// Runner executes spawns. Safe for concurrent use; each Run call is
// independent.
type Runner struct {
	logger  *slog.Logger
	clk     clock.Clock
	pool    *worker.Pool
	options Options
}

// New builds a Runner.
func New(options Options) *Runner {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = 5 * time.Minute
	}
	if options.TerminationGrace <= 0 {
		options.TerminationGrace = 5 * time.Second
	}
	return &Runner{
		logger:  logger,
		clk:     clk,
		pool:    options.Pool,
		options: options,
	}
}

// Run executes one spawn and always returns a classified result.
func (r *Runner) Run(ctx context.Context, spawn *sandbox.Spawn) *sandbox.SpawnResult {
	start := r.clk.Now()

	var result *sandbox.SpawnResult
	if r.pool != nil && spawn.SupportsWorkers() {
		result = r.runWorker(ctx, spawn)
	} else {
		result = r.runLocal(ctx, spawn)
	}

	result.WallTime = r.clk.Now().Sub(start)
	r.logger.Info("spawn finished",
		"mnemonic", spawn.Mnemonic,
		"status", result.Status.String(),
		"exit_code", result.ExitCode,
		"wall_time", result.WallTime)
	return result
}

func (r *Runner) timeout(spawn *sandbox.Spawn) time.Duration {
	if spawn.Timeout > 0 {
		return spawn.Timeout
	}
	return r.options.DefaultTimeout
}

// workerKey derives the pool key for a spawn's tool. The reusable work
// directory is named after the key's identity, which is computed
// before the directory is attached so the two cannot be circular.
func (r *Runner) workerKey(spawn *sandbox.Spawn) *worker.WorkerKey {
	tool := spawn.Arguments[0]

	toolDigest := ""
	if sum, err := digest.HashFile(tool); err == nil {
		toolDigest = digest.Format(sum)
	}

	base := &worker.WorkerKey{
		Tool:       tool,
		ToolDigest: toolDigest,
		Args:       []string{"--persistent_worker"},
		Env:        spawn.Environment,
		Sandboxed:  spawn.Sandboxed(),
		Multiplex:  spawn.SupportsMultiplex(),
	}
	workDir := filepath.Join(r.options.WorkerWorkDirs, base.ID()[:16])

	return &worker.WorkerKey{
		Tool:       base.Tool,
		ToolDigest: base.ToolDigest,
		Args:       base.Args,
		Env:        base.Env,
		WorkDir:    filepath.Join(workDir, "execroot", r.options.WorkspaceName),
		Sandboxed:  base.Sandboxed,
		Multiplex:  base.Multiplex,
	}
}

// runWorker executes the spawn as a request against a pooled
// persistent worker.
func (r *Runner) runWorker(ctx context.Context, spawn *sandbox.Spawn) *sandbox.SpawnResult {
	key := r.workerKey(spawn)

	lease, err := r.pool.Borrow(ctx, key)
	if err != nil {
		return classifyWorkerFailure(err)
	}

	// The worker's work directory is a persistent tree, restaged
	// incrementally: an unchanged input manifest touches nothing.
	workTreeDir := filepath.Dir(filepath.Dir(key.WorkDir))
	execRoot, err := sandbox.AttachExecRoot(workTreeDir, r.options.WorkspaceName, sandbox.ExecRootOptions{
		Logger:   r.logger,
		Strategy: r.options.Strategy,
	})
	if err == nil {
		err = execRoot.CreateFileSystem(spawn.Inputs, spawn.Outputs, spawn.WritableDirs)
	}
	if err != nil {
		// The worker is fine; the filesystem is not.
		r.pool.Release(lease, true)
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusSandboxFailure,
			ExitCode:       -1,
			FailureMessage: fmt.Sprintf("staging worker directory: %v", err),
		}
	}

	request := &workerproto.WorkRequest{
		Arguments: spawn.Arguments[1:],
		Inputs:    make([]workerproto.Input, len(spawn.Inputs)),
	}
	for i, input := range spawn.Inputs {
		request.Inputs[i] = workerproto.Input{Path: input.Path, Digest: input.Digest}
	}
	if key.Sandboxed {
		request.SandboxDir = execRoot.Path()
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		response *workerproto.WorkResponse
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		response, err := lease.Execute(execCtx, request)
		done <- outcome{response, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			r.pool.Release(lease, false)
			return classifyWorkerFailure(o.err)
		}
		return r.finishWorkerResponse(lease, execRoot, spawn, o.response)

	case <-r.clk.After(r.timeout(spawn)):
		// The request cannot be unsent; abandon it and retire the
		// worker, which is still busy with work nobody wants.
		cancel()
		<-done
		r.pool.Release(lease, false)
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusTimedOut,
			ExitCode:       -1,
			FailureMessage: fmt.Sprintf("worker request exceeded %v", r.timeout(spawn)),
		}

	case <-ctx.Done():
		cancel()
		<-done
		r.pool.Release(lease, false)
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusCancelled,
			ExitCode:       -1,
			FailureMessage: ctx.Err().Error(),
		}
	}
}

func (r *Runner) finishWorkerResponse(lease *worker.Lease, execRoot *sandbox.ExecRoot, spawn *sandbox.Spawn, response *workerproto.WorkResponse) *sandbox.SpawnResult {
	r.pool.Release(lease, true)

	if response.WasCancelled {
		return &sandbox.SpawnResult{
			Status:   sandbox.StatusCancelled,
			ExitCode: int(response.ExitCode),
			Output:   response.Output,
		}
	}
	if response.ExitCode != 0 {
		return &sandbox.SpawnResult{
			Status:   sandbox.StatusNonZeroExit,
			ExitCode: int(response.ExitCode),
			Output:   response.Output,
		}
	}

	if r.options.OutputRoot != "" && len(spawn.Outputs) > 0 {
		if err := execRoot.CopyOutputs(r.options.OutputRoot, spawn.Outputs); err != nil {
			return &sandbox.SpawnResult{
				Status:         sandbox.StatusSandboxFailure,
				ExitCode:       0,
				Output:         response.Output,
				FailureMessage: fmt.Sprintf("collecting outputs: %v", err),
			}
		}
	}
	return &sandbox.SpawnResult{
		Status:   sandbox.StatusSuccess,
		ExitCode: 0,
		Output:   response.Output,
	}
}

// classifyWorkerFailure maps the worker error taxonomy onto result
// statuses.
func classifyWorkerFailure(err error) *sandbox.SpawnResult {
	status := sandbox.StatusWorkerFailure
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = sandbox.StatusCancelled
	}
	return &sandbox.SpawnResult{
		Status:         status,
		ExitCode:       -1,
		FailureMessage: err.Error(),
	}
}

// runLocal executes the spawn as a fresh subprocess inside its own
// staged execution root, torn down afterwards.
func (r *Runner) runLocal(ctx context.Context, spawn *sandbox.Spawn) *sandbox.SpawnResult {
	execRoot, err := sandbox.NewExecRoot(r.options.SandboxBase, r.options.WorkspaceName, sandbox.ExecRootOptions{
		Logger:   r.logger,
		Strategy: r.options.Strategy,
		Deleter:  r.options.Deleter,
	})
	if err != nil {
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusSandboxFailure,
			ExitCode:       -1,
			FailureMessage: err.Error(),
		}
	}
	defer func() {
		if err := execRoot.Delete(); err != nil {
			r.logger.Warn("deleting sandbox", "error", err)
		}
	}()

	if err := execRoot.CreateFileSystem(spawn.Inputs, spawn.Outputs, spawn.WritableDirs); err != nil {
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusSandboxFailure,
			ExitCode:       -1,
			FailureMessage: fmt.Sprintf("staging execution root: %v", err),
		}
	}

	recorder := worker.NewOutputRecorder(worker.DefaultTailSize)
	cmd := exec.Command(spawn.Arguments[0], spawn.Arguments[1:]...)
	cmd.Dir = execRoot.Path()
	cmd.Env = environ(spawn.Environment)
	cmd.Stdout = recorder
	cmd.Stderr = recorder
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return &sandbox.SpawnResult{
			Status:         sandbox.StatusSandboxFailure,
			ExitCode:       -1,
			FailureMessage: fmt.Sprintf("starting command: %v", err),
		}
	}
	pgid := -cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	result := &sandbox.SpawnResult{}
	select {
	case <-waitDone:
		result.ExitCode = cmd.ProcessState.ExitCode()
		if result.ExitCode == 0 {
			result.Status = sandbox.StatusSuccess
		} else {
			result.Status = sandbox.StatusNonZeroExit
		}

	case <-r.clk.After(r.timeout(spawn)):
		result.Status = sandbox.StatusTimedOut
		result.ExitCode = -1
		result.FailureMessage = fmt.Sprintf("command exceeded %v", r.timeout(spawn))
		_ = unix.Kill(pgid, unix.SIGTERM)
		select {
		case <-waitDone:
		case <-r.clk.After(r.options.TerminationGrace):
			result.ForciblyKilled = true
			_ = unix.Kill(pgid, unix.SIGKILL)
			<-waitDone
		}

	case <-ctx.Done():
		result.Status = sandbox.StatusCancelled
		result.ExitCode = -1
		result.FailureMessage = ctx.Err().Error()
		_ = unix.Kill(pgid, unix.SIGKILL)
		<-waitDone
	}

	result.Output = recorder.Tail()

	if result.Status == sandbox.StatusSuccess && r.options.OutputRoot != "" && len(spawn.Outputs) > 0 {
		if err := execRoot.CopyOutputs(r.options.OutputRoot, spawn.Outputs); err != nil {
			result.Status = sandbox.StatusSandboxFailure
			result.FailureMessage = fmt.Sprintf("collecting outputs: %v", err)
		}
	}
	return result
}

// environ flattens an environment map into exec.Cmd form.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	return out
}
