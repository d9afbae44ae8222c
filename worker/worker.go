// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chisel-build/chisel/workerproto"
)

// Worker is one borrowable execution slot against a persistent worker
// process. A dedicated worker owns its process outright; a proxy
// worker shares a multiplexed process with other proxies. The pool
// hands out Workers without callers knowing which kind they hold.
type Worker interface {
	// Key identifies the tool configuration this worker serves.
	Key() *WorkerKey

	// PrepareExecution makes the worker ready to accept a request,
	// starting the underlying process if it is not running yet.
	PrepareExecution(ctx context.Context) error

	// Execute sends one request and blocks for its response. The
	// worker assigns the request ID; callers leave RequestID zero.
	// Returns a *WorkerDeathError or *ProtocolViolationError when the
	// process is unusable afterwards.
	Execute(ctx context.Context, request *workerproto.WorkRequest) (*workerproto.WorkResponse, error)

	// Healthy reports whether the worker can serve further requests.
	// An unhealthy worker must be destroyed, never released back idle.
	Healthy() bool

	// RequestCount returns how many requests this worker has executed,
	// for request-count mortality policies.
	RequestCount() int

	// Destroy releases the worker's hold on its process. For a
	// dedicated worker that kills the process; for a proxy it drops a
	// reference, and the shared process dies when the last proxy does.
	Destroy() error
}

// DedicatedWorker owns a single-plex worker process exclusively.
// Requests travel with ID 0 and strictly one at a time; the process
// serves exactly one caller for its whole life.
type DedicatedWorker struct {
	key   *WorkerKey
	start StartFunc

	mu       sync.Mutex
	process  Process
	writer   *workerproto.Writer
	reader   *workerproto.Reader
	requests int
	broken   bool
	poisoned bool
}

// NewDedicatedWorker returns a dedicated worker for key. start may be
// nil, meaning StartSubprocess.
func NewDedicatedWorker(key *WorkerKey, start StartFunc) *DedicatedWorker {
	if start == nil {
		start = func(key *WorkerKey) (Process, error) { return StartSubprocess(key) }
	}
	return &DedicatedWorker{key: key, start: start}
}

// Key implements Worker.
func (w *DedicatedWorker) Key() *WorkerKey { return w.key }

// PrepareExecution starts the worker process if needed.
func (w *DedicatedWorker) PrepareExecution(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureProcessLocked()
}

func (w *DedicatedWorker) ensureProcessLocked() error {
	if w.broken {
		return fmt.Errorf("worker for %s is broken and must be destroyed", w.key.Tool)
	}
	if w.process != nil {
		return nil
	}
	process, err := w.start(w.key)
	if err != nil {
		return err
	}
	w.process = process
	w.writer = workerproto.NewWriter(process.Stdin())
	w.reader = workerproto.NewReader(process.Stdout(), 0)
	return nil
}

// Execute runs one request. The exchange is synchronous: the single-
// plex protocol has no request IDs to correlate, so the next frame on
// stdout must be the answer to the request just written.
func (w *DedicatedWorker) Execute(ctx context.Context, request *workerproto.WorkRequest) (*workerproto.WorkResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureProcessLocked(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	request.RequestID = 0
	w.requests++
	if err := w.writer.WriteRequest(request); err != nil {
		w.broken = true
		return nil, w.deathErrorLocked(err)
	}

	type result struct {
		response *workerproto.WorkResponse
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := w.reader.ReadResponse()
		done <- result{response, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.broken = true
			if isMalformed(r.err) {
				return nil, w.violationErrorLocked(r.err)
			}
			return nil, w.deathErrorLocked(r.err)
		}
		if r.response.RequestID != 0 {
			w.broken = true
			return nil, w.violationErrorLocked(
				fmt.Errorf("single-plex response carried request ID %d", r.response.RequestID))
		}
		return r.response, nil
	case <-ctx.Done():
		// The stream position is unknown once we stop waiting; the
		// process cannot be reused.
		w.broken = true
		return nil, ctx.Err()
	}
}

// Healthy implements Worker.
func (w *DedicatedWorker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return false
	}
	if w.process == nil {
		return true
	}
	return w.process.Alive()
}

// RequestCount implements Worker.
func (w *DedicatedWorker) RequestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

// Destroy kills the owned process. Idempotent.
func (w *DedicatedWorker) Destroy() error {
	w.mu.Lock()
	process := w.process
	w.process = nil
	w.broken = true
	w.mu.Unlock()
	if process == nil {
		return nil
	}
	return process.Destroy()
}

func (w *DedicatedWorker) deathErrorLocked(err error) error {
	death := &WorkerDeathError{ExitCode: -1, Err: err}
	if w.process != nil {
		if code, ok := w.process.ExitCode(); ok {
			death.ExitCode = code
		}
		death.OutputTail = w.process.OutputTail()
	}
	return death
}

func (w *DedicatedWorker) violationErrorLocked(err error) error {
	w.poisoned = true
	violation := &ProtocolViolationError{Reason: "single-plex stream poisoned", Err: err}
	if w.process != nil {
		violation.OutputTail = w.process.OutputTail()
	}
	return violation
}

// Poisoned reports whether the worker was lost to a protocol
// violation rather than ordinary death.
func (w *DedicatedWorker) Poisoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.poisoned
}

// ProxyWorker is one caller's handle onto a shared multiplexed worker
// process. Many proxies for the same key delegate to one Multiplexer;
// the proxy contributes only ID assignment, refcounting, and its own
// request count.
type ProxyWorker struct {
	key *WorkerKey
	mux *Multiplexer
	// release returns this proxy's reference to the multiplexer
	// registry. Called at most once.
	release func()

	mu        sync.Mutex
	requests  int
	destroyed bool
}

// NewProxyWorker wraps mux in a caller-facing worker. release is
// invoked by Destroy, exactly once.
func NewProxyWorker(key *WorkerKey, mux *Multiplexer, release func()) *ProxyWorker {
	return &ProxyWorker{key: key, mux: mux, release: release}
}

// Key implements Worker.
func (w *ProxyWorker) Key() *WorkerKey { return w.key }

// PrepareExecution lazily starts the shared process. Concurrent calls
// from sibling proxies collapse into one start.
func (w *ProxyWorker) PrepareExecution(ctx context.Context) error {
	return w.mux.CreateProcess(w.key)
}

// Execute sends one request through the shared multiplexer and waits
// for its correlated response. On ctx cancellation the request is
// abandoned; the multiplexer discards its late response.
func (w *ProxyWorker) Execute(ctx context.Context, request *workerproto.WorkRequest) (*workerproto.WorkResponse, error) {
	if err := w.PrepareExecution(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.requests++
	w.mu.Unlock()

	request.RequestID = w.mux.NextRequestID()
	if err := w.mux.PutRequest(request); err != nil {
		return nil, err
	}
	return w.mux.GetResponse(ctx, request.RequestID)
}

// Healthy implements Worker.
func (w *ProxyWorker) Healthy() bool {
	w.mu.Lock()
	destroyed := w.destroyed
	w.mu.Unlock()
	return !destroyed && !w.mux.Destroyed()
}

// RequestCount implements Worker.
func (w *ProxyWorker) RequestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

// Poisoned reports whether the shared process was lost to a protocol
// violation.
func (w *ProxyWorker) Poisoned() bool { return w.mux.Poisoned() }

// Destroy drops this proxy's reference. The shared process survives
// while other proxies hold references; the registry tears it down when
// the last one leaves.
func (w *ProxyWorker) Destroy() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return nil
	}
	w.destroyed = true
	w.mu.Unlock()
	if w.release != nil {
		w.release()
	}
	return nil
}

func isMalformed(err error) bool {
	return errors.Is(err, workerproto.ErrMalformedFrame)
}
