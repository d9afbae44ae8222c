// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chisel-build/chisel/lib/clock"
	"github.com/chisel-build/chisel/lib/digest"
	"github.com/chisel-build/chisel/lib/testutil"
	"github.com/chisel-build/chisel/sandbox"
	"github.com/chisel-build/chisel/worker"
	"github.com/chisel-build/chisel/workerproto"
)

func localRunner(t *testing.T, options Options) *Runner {
	t.Helper()
	if options.SandboxBase == "" {
		options.SandboxBase = t.TempDir()
	}
	if options.WorkspaceName == "" {
		options.WorkspaceName = "main"
	}
	return New(options)
}

func shellSpawn(script string) *sandbox.Spawn {
	return &sandbox.Spawn{
		Arguments:   []string{"/bin/sh", "-c", script},
		Environment: map[string]string{"PATH": "/usr/bin:/bin"},
		Mnemonic:    "TestShell",
	}
}

func TestRunLocalSuccess(t *testing.T) {
	outputRoot := t.TempDir()
	runner := localRunner(t, Options{OutputRoot: outputRoot})

	spawn := shellSpawn("echo built && echo artifact > out/result.txt")
	spawn.Outputs = []string{"out/result.txt"}

	result := runner.Run(context.Background(), spawn)
	if !result.Success() {
		t.Fatalf("result = %+v, want success", result)
	}
	if !strings.Contains(result.Output, "built") {
		t.Fatalf("Output = %q, want to contain %q", result.Output, "built")
	}

	collected, err := os.ReadFile(filepath.Join(outputRoot, "out/result.txt"))
	if err != nil {
		t.Fatalf("collected output missing: %v", err)
	}
	if strings.TrimSpace(string(collected)) != "artifact" {
		t.Fatalf("collected output = %q", collected)
	}
}

func TestRunLocalNonZeroExit(t *testing.T) {
	runner := localRunner(t, Options{})

	result := runner.Run(context.Background(), shellSpawn("echo failing >&2; exit 3"))
	if result.Status != sandbox.StatusNonZeroExit {
		t.Fatalf("Status = %v, want non-zero-exit", result.Status)
	}
	if result.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Output, "failing") {
		t.Fatalf("Output = %q, want captured stderr", result.Output)
	}
}

// The command sees staged inputs at their declared relative paths.
func TestRunLocalSeesStagedInputs(t *testing.T) {
	sources := t.TempDir()
	sourcePath := filepath.Join(sources, "greeting.txt")
	if err := os.WriteFile(sourcePath, []byte("hello from input"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := digest.HashFile(sourcePath)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	runner := localRunner(t, Options{})
	spawn := shellSpawn("cat data/greeting.txt")
	spawn.Inputs = []sandbox.Input{{
		Path:   "data/greeting.txt",
		Source: sourcePath,
		Digest: digest.Format(sum),
	}}

	result := runner.Run(context.Background(), spawn)
	if !result.Success() {
		t.Fatalf("result = %+v, want success", result)
	}
	if !strings.Contains(result.Output, "hello from input") {
		t.Fatalf("Output = %q, want staged input content", result.Output)
	}
}

func TestRunLocalTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	runner := localRunner(t, Options{Clock: clk})

	spawn := shellSpawn("sleep 60")
	spawn.Timeout = 2 * time.Second

	results := make(chan *sandbox.SpawnResult, 1)
	go func() { results <- runner.Run(context.Background(), spawn) }()

	// Wait for the runner to park on the timeout, then expire it.
	clk.BlockUntilWaiters(1)
	clk.Advance(2 * time.Second)

	result := testutil.RequireReceive(t, results, 10*time.Second, "run never returned after timeout")
	if result.Status != sandbox.StatusTimedOut {
		t.Fatalf("Status = %v, want timed-out", result.Status)
	}
	if result.ForciblyKilled {
		t.Fatal("polite termination was enough; ForciblyKilled should be false")
	}
}

func TestRunLocalCancellation(t *testing.T) {
	runner := localRunner(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan *sandbox.SpawnResult, 1)
	go func() { results <- runner.Run(ctx, shellSpawn("sleep 60")) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	result := testutil.RequireReceive(t, results, 10*time.Second, "run never returned after cancellation")
	if result.Status != sandbox.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", result.Status)
	}
}

// pipeProcess satisfies worker.Process with in-memory pipes so worker
// mode can be exercised without real subprocesses.
type pipeProcess struct {
	hostIn  *io.PipeWriter
	hostOut *io.PipeReader

	workerIn  *io.PipeReader
	workerOut *io.PipeWriter

	mu        sync.Mutex
	destroyed bool
}

func newPipeProcess() *pipeProcess {
	workerIn, hostIn := io.Pipe()
	hostOut, workerOut := io.Pipe()
	return &pipeProcess{hostIn: hostIn, hostOut: hostOut, workerIn: workerIn, workerOut: workerOut}
}

func (p *pipeProcess) Stdin() io.Writer  { return p.hostIn }
func (p *pipeProcess) Stdout() io.Reader { return p.hostOut }

func (p *pipeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed
}

func (p *pipeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return 137, true
	}
	return 0, false
}

func (p *pipeProcess) OutputTail() string { return "" }

func (p *pipeProcess) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()
	p.hostIn.Close()
	p.hostOut.Close()
	p.workerIn.Close()
	p.workerOut.Close()
	return nil
}

func workerRunner(t *testing.T, handler workerproto.HandlerFunc) (*Runner, *atomic.Int32) {
	t.Helper()

	var starts atomic.Int32
	pool := worker.NewPool(worker.PoolOptions{
		Start: func(key *worker.WorkerKey) (worker.Process, error) {
			starts.Add(1)
			process := newPipeProcess()
			go func() {
				_ = workerproto.Serve(context.Background(), process.workerIn, process.workerOut, handler,
					workerproto.ServeOptions{MaxConcurrentRequests: 4})
			}()
			return process, nil
		},
	})
	t.Cleanup(pool.Close)

	runner := New(Options{
		Pool:           pool,
		SandboxBase:    t.TempDir(),
		WorkerWorkDirs: t.TempDir(),
		WorkspaceName:  "main",
	})
	return runner, &starts
}

func workerSpawn(args ...string) *sandbox.Spawn {
	return &sandbox.Spawn{
		Arguments: append([]string{"/usr/bin/faketool"}, args...),
		ExecutionRequirements: map[string]string{
			sandbox.RequirementSupportsWorkers:   "1",
			sandbox.RequirementSupportsMultiplex: "1",
		},
		Mnemonic: "FakeCompile",
	}
}

func TestRunWorkerSuccessAndReuse(t *testing.T) {
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		return &workerproto.WorkResponse{Output: strings.ToUpper(strings.Join(request.Arguments, " "))}
	}
	runner, starts := workerRunner(t, handler)

	for i := 0; i < 3; i++ {
		result := runner.Run(context.Background(), workerSpawn("hello"))
		if !result.Success() {
			t.Fatalf("result = %+v, want success", result)
		}
		if result.Output != "HELLO" {
			t.Fatalf("Output = %q, want HELLO", result.Output)
		}
	}

	// Three spawns, one persistent worker process.
	if got := starts.Load(); got != 1 {
		t.Fatalf("worker processes started = %d, want 1", got)
	}
}

func TestRunWorkerNonZeroExit(t *testing.T) {
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		return &workerproto.WorkResponse{ExitCode: 2, Output: "compile error: x is not defined"}
	}
	runner, _ := workerRunner(t, handler)

	result := runner.Run(context.Background(), workerSpawn("broken.src"))
	if result.Status != sandbox.StatusNonZeroExit {
		t.Fatalf("Status = %v, want non-zero-exit", result.Status)
	}
	if result.ExitCode != 2 {
		t.Fatalf("ExitCode = %d, want 2", result.ExitCode)
	}
	if !strings.Contains(result.Output, "compile error") {
		t.Fatalf("Output = %q", result.Output)
	}
}

// A poisoned worker surfaces as a worker failure, not a hang or a
// fake action failure.
func TestRunWorkerPoisoning(t *testing.T) {
	var starts atomic.Int32
	pool := worker.NewPool(worker.PoolOptions{
		Start: func(key *worker.WorkerKey) (worker.Process, error) {
			starts.Add(1)
			process := newPipeProcess()
			go func() {
				// Consume the request, then print garbage padded well
				// past what its leading byte claims as frame length.
				reader := workerproto.NewReader(process.workerIn, 0)
				if _, err := reader.ReadRequest(); err != nil {
					return
				}
				process.workerOut.Write([]byte(strings.Repeat("Segmentation fault\n", 16)))
			}()
			return process, nil
		},
	})
	t.Cleanup(pool.Close)

	runner := New(Options{
		Pool:           pool,
		SandboxBase:    t.TempDir(),
		WorkerWorkDirs: t.TempDir(),
		WorkspaceName:  "main",
	})

	result := runner.Run(context.Background(), workerSpawn("x"))
	if result.Status != sandbox.StatusWorkerFailure {
		t.Fatalf("Status = %v, want worker-failure", result.Status)
	}
	if result.FailureMessage == "" {
		t.Fatal("worker failure carried no diagnostic message")
	}
}

func TestRunWorkerTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		<-ctx.Done()
		return &workerproto.WorkResponse{ExitCode: 1}
	}

	var starts atomic.Int32
	pool := worker.NewPool(worker.PoolOptions{
		Start: func(key *worker.WorkerKey) (worker.Process, error) {
			starts.Add(1)
			process := newPipeProcess()
			go func() {
				_ = workerproto.Serve(context.Background(), process.workerIn, process.workerOut, workerproto.HandlerFunc(handler),
					workerproto.ServeOptions{MaxConcurrentRequests: 4})
			}()
			return process, nil
		},
	})
	t.Cleanup(pool.Close)

	runner := New(Options{
		Pool:           pool,
		Clock:          clk,
		SandboxBase:    t.TempDir(),
		WorkerWorkDirs: t.TempDir(),
		WorkspaceName:  "main",
	})

	spawn := workerSpawn("slow.src")
	spawn.Timeout = 30 * time.Second

	results := make(chan *sandbox.SpawnResult, 1)
	go func() { results <- runner.Run(context.Background(), spawn) }()

	clk.BlockUntilWaiters(1)
	clk.Advance(30 * time.Second)

	result := testutil.RequireReceive(t, results, 10*time.Second, "run never returned after worker timeout")
	if result.Status != sandbox.StatusTimedOut {
		t.Fatalf("Status = %v, want timed-out", result.Status)
	}
}

// A later worker request with changed inputs restages the persistent
// work tree in place: same worker process, same tree directory inode,
// fresh contents.
func TestRunWorkerRestagesChangedInputsInPlace(t *testing.T) {
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		return &workerproto.WorkResponse{Output: "done"}
	}
	runner, starts := workerRunner(t, handler)

	makeInputs := func(content string) []sandbox.Input {
		path := filepath.Join(t.TempDir(), "input.txt")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		sum, err := digest.HashFile(path)
		if err != nil {
			t.Fatalf("HashFile: %v", err)
		}
		return []sandbox.Input{{Path: "data/input.txt", Source: path, Digest: digest.Format(sum)}}
	}

	first := workerSpawn("one")
	first.Inputs = makeInputs("generation one")
	if result := runner.Run(context.Background(), first); !result.Success() {
		t.Fatalf("first run = %+v, want success", result)
	}

	entries, err := os.ReadDir(runner.options.WorkerWorkDirs)
	if err != nil || len(entries) != 1 {
		t.Fatalf("work dirs = %v (err %v), want exactly one key directory", entries, err)
	}
	treePath := filepath.Join(runner.options.WorkerWorkDirs, entries[0].Name(), "execroot", "main")
	before, err := os.Stat(treePath)
	if err != nil {
		t.Fatalf("Stat work tree: %v", err)
	}

	second := workerSpawn("two")
	second.Inputs = makeInputs("generation two")
	if result := runner.Run(context.Background(), second); !result.Success() {
		t.Fatalf("second run = %+v, want success", result)
	}

	after, err := os.Stat(treePath)
	if err != nil {
		t.Fatalf("Stat work tree after restage: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Fatal("restage replaced the worker's working directory inode")
	}
	staged, err := os.ReadFile(filepath.Join(treePath, "data", "input.txt"))
	if err != nil {
		t.Fatalf("reading restaged input: %v", err)
	}
	if string(staged) != "generation two" {
		t.Fatalf("restaged content = %q, want the second request's input", staged)
	}
	if got := starts.Load(); got != 1 {
		t.Fatalf("worker processes started = %d, want the same process across restages", got)
	}
}
