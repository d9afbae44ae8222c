// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chisel-build/chisel/lib/testutil"
	"github.com/chisel-build/chisel/workerproto"
)

// fakeProcess is an in-memory worker process: the multiplexer's
// stdin/stdout are pipe ends whose far sides are driven by the test,
// usually via workerproto.Serve.
type fakeProcess struct {
	hostIn  *io.PipeWriter // multiplexer writes requests here
	hostOut *io.PipeReader // multiplexer reads responses here

	workerIn  *io.PipeReader // worker side: request stream
	workerOut *io.PipeWriter // worker side: response stream

	mu        sync.Mutex
	destroyed bool
	tail      string
}

func newFakeProcess() *fakeProcess {
	workerIn, hostIn := io.Pipe()
	hostOut, workerOut := io.Pipe()
	return &fakeProcess{
		hostIn:    hostIn,
		hostOut:   hostOut,
		workerIn:  workerIn,
		workerOut: workerOut,
	}
}

func (p *fakeProcess) Stdin() io.Writer  { return p.hostIn }
func (p *fakeProcess) Stdout() io.Reader { return p.hostOut }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed
}

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return 137, true
	}
	return 0, false
}

func (p *fakeProcess) OutputTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail
}

func (p *fakeProcess) setTail(tail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = tail
}

func (p *fakeProcess) Destroy() error {
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

// kill simulates the worker dying on its own: its side of both pipes
// closes, so the multiplexer's reader sees EOF.
func (p *fakeProcess) kill() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
	p.workerIn.Close()
	p.workerOut.Close()
}

func testKey(tool string) *WorkerKey {
	return &WorkerKey{
		Tool:       tool,
		ToolDigest: strings.Repeat("ab", 32),
		Args:       []string{"--persistent_worker"},
		Multiplex:  true,
	}
}

// startFakeWorker builds a multiplexer whose process is an in-memory
// worker serving handler with the given concurrency. Returns the
// multiplexer and its fake process; both are torn down with the test.
func startFakeWorker(t *testing.T, handler workerproto.HandlerFunc, concurrency int) (*Multiplexer, *fakeProcess) {
	t.Helper()

	process := newFakeProcess()
	go func() {
		_ = workerproto.Serve(context.Background(), process.workerIn, process.workerOut, handler,
			workerproto.ServeOptions{MaxConcurrentRequests: concurrency})
	}()

	key := testKey("/usr/bin/fakecompiler")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) { return process, nil },
	})
	if err := mux.CreateProcess(key); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	t.Cleanup(mux.Destroy)
	return mux, process
}

// roundTrip issues one request and waits for its response.
func roundTrip(t *testing.T, mux *Multiplexer, args ...string) *workerproto.WorkResponse {
	t.Helper()
	id := mux.NextRequestID()
	request := &workerproto.WorkRequest{RequestID: id, Arguments: args}
	if err := mux.PutRequest(request); err != nil {
		t.Fatalf("PutRequest %d: %v", id, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	response, err := mux.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("GetResponse %d: %v", id, err)
	}
	return response
}

func upperHandler(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
	return &workerproto.WorkResponse{
		Output: strings.ToUpper(strings.Join(request.Arguments, " ")),
	}
}

func TestMultiplexerRoundTrip(t *testing.T) {
	mux, _ := startFakeWorker(t, upperHandler, 1)

	response := roundTrip(t, mux, "hello", "world")
	if response.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", response.ExitCode)
	}
	if response.Output != "HELLO WORLD" {
		t.Fatalf("output = %q, want %q", response.Output, "HELLO WORLD")
	}
}

func TestMultiplexerRequestIDsAreUnique(t *testing.T) {
	mux, _ := startFakeWorker(t, upperHandler, 1)

	seen := make(map[int32]bool)
	for i := 0; i < 100; i++ {
		id := mux.NextRequestID()
		if id == 0 {
			t.Fatal("request ID 0 is reserved for single-plex requests")
		}
		if seen[id] {
			t.Fatalf("request ID %d issued twice", id)
		}
		seen[id] = true
	}
}

// Responses must be routed by request ID, not arrival order. The
// handler delays the first request until the second has been answered,
// so the worker responds out of order.
func TestMultiplexerRoutesOutOfOrderResponses(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		if request.Arguments[0] == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return &workerproto.WorkResponse{Output: request.Arguments[0]}
	}
	mux, _ := startFakeWorker(t, handler, 4)

	slowID := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: slowID, Arguments: []string{"slow"}}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	fast := roundTrip(t, mux, "fast")
	if fast.Output != "fast" {
		t.Fatalf("fast output = %q", fast.Output)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slow, err := mux.GetResponse(ctx, slowID)
	if err != nil {
		t.Fatalf("GetResponse slow: %v", err)
	}
	if slow.Output != "slow" {
		t.Fatalf("slow output = %q", slow.Output)
	}
}

// Every pending waiter must unblock with a WorkerDeathError when the
// process dies mid-flight, and the error must carry the stderr tail.
func TestMultiplexerWorkerDeathUnblocksAllWaiters(t *testing.T) {
	started := make(chan struct{}, 8)
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		started <- struct{}{}
		<-ctx.Done()
		return &workerproto.WorkResponse{ExitCode: 1}
	}
	mux, process := startFakeWorker(t, handler, 4)
	process.setTail("fatal: internal compiler error\n")

	const waiters = 3
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		id := mux.NextRequestID()
		if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id, Arguments: []string{"x"}}); err != nil {
			t.Fatalf("PutRequest: %v", err)
		}
		go func() {
			_, err := mux.GetResponse(context.Background(), id)
			results <- err
		}()
	}
	for i := 0; i < waiters; i++ {
		testutil.RequireReceive(t, started, 10*time.Second, "worker never saw request")
	}

	process.kill()

	for i := 0; i < waiters; i++ {
		err := testutil.RequireReceive(t, results, 10*time.Second, "waiter never unblocked after worker death")
		var death *WorkerDeathError
		if !errors.As(err, &death) {
			t.Fatalf("waiter error = %v, want WorkerDeathError", err)
		}
		if !strings.Contains(death.OutputTail, "internal compiler error") {
			t.Fatalf("death error missing output tail: %v", death)
		}
	}

	if !mux.DiedUnexpectedly() {
		t.Fatal("DiedUnexpectedly = false after worker death")
	}

	// Fail fast from now on: no new request may hang.
	err := mux.PutRequest(&workerproto.WorkRequest{RequestID: 999})
	if !errors.Is(err, ErrMultiplexerDestroyed) {
		t.Fatalf("PutRequest after death = %v, want ErrMultiplexerDestroyed", err)
	}
}

// A response whose ID matches no pending request poisons the stream.
func TestMultiplexerUnknownResponseIDIsFatal(t *testing.T) {
	process := newFakeProcess()
	key := testKey("/usr/bin/confused")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) { return process, nil },
	})
	if err := mux.CreateProcess(key); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	t.Cleanup(mux.Destroy)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	// The worker answers a request nobody made.
	writer := workerproto.NewWriter(process.workerOut)
	go workerproto.NewReader(process.workerIn, 0).ReadRequest()
	if err := writer.WriteResponse(&workerproto.WorkResponse{RequestID: id + 40}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	_, err := mux.GetResponse(context.Background(), id)
	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("GetResponse = %v, want ProtocolViolationError", err)
	}
	if !strings.Contains(violation.Reason, "unknown request ID") {
		t.Fatalf("violation reason = %q", violation.Reason)
	}
}

// Non-protocol bytes on stdout poison the stream.
func TestMultiplexerGarbageOutputIsFatal(t *testing.T) {
	process := newFakeProcess()
	key := testKey("/usr/bin/chatty")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) { return process, nil },
	})
	if err := mux.CreateProcess(key); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	t.Cleanup(mux.Destroy)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	go workerproto.NewReader(process.workerIn, 0).ReadRequest()
	// A worker printing diagnostics to stdout instead of stderr. The
	// first byte is misread as a length prefix and the "body" behind it
	// is not a protocol frame.
	garbage := strings.Repeat("warning: something is misconfigured\n", 8)
	if _, err := process.workerOut.Write([]byte(garbage)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := mux.GetResponse(context.Background(), id)
	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("GetResponse = %v, want ProtocolViolationError", err)
	}
}

// A cancelled waiter abandons its request; the late response is
// discarded and the multiplexer keeps serving.
func TestMultiplexerAbandonedRequestDoesNotPoison(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		if request.Arguments[0] == "stuck" {
			<-release
		}
		return &workerproto.WorkResponse{Output: request.Arguments[0]}
	}
	mux, _ := startFakeWorker(t, handler, 4)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id, Arguments: []string{"stuck"}}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mux.GetResponse(ctx, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetResponse = %v, want context.Canceled", err)
	}

	// Let the stale response arrive, then prove the stream survived.
	close(release)
	response := roundTrip(t, mux, "after")
	if response.Output != "after" {
		t.Fatalf("output = %q, want %q", response.Output, "after")
	}
	if mux.Destroyed() {
		t.Fatal("multiplexer destroyed by abandoned request's late response")
	}
}

func TestMultiplexerCreateProcessIdempotent(t *testing.T) {
	var starts int
	process := newFakeProcess()
	key := testKey("/usr/bin/once")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) {
			starts++
			return process, nil
		},
	})
	t.Cleanup(mux.Destroy)

	for i := 0; i < 3; i++ {
		if err := mux.CreateProcess(key); err != nil {
			t.Fatalf("CreateProcess: %v", err)
		}
	}
	if starts != 1 {
		t.Fatalf("process started %d times, want 1", starts)
	}

	other := testKey("/usr/bin/other")
	if err := mux.CreateProcess(other); err == nil {
		t.Fatal("CreateProcess with a different key succeeded")
	}
}

func TestMultiplexerDeliberateDestroy(t *testing.T) {
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		<-ctx.Done()
		return &workerproto.WorkResponse{ExitCode: 1}
	}
	mux, process := startFakeWorker(t, handler, 1)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err := mux.GetResponse(context.Background(), id)
		errs <- err
	}()

	mux.Destroy()

	err := testutil.RequireReceive(t, errs, 10*time.Second, "waiter never unblocked after Destroy")
	if !errors.Is(err, ErrMultiplexerDestroyed) {
		t.Fatalf("waiter error = %v, want ErrMultiplexerDestroyed", err)
	}
	if mux.DiedUnexpectedly() {
		t.Fatal("deliberate Destroy reported as unexpected death")
	}
	if process.Alive() {
		t.Fatal("process still alive after Destroy")
	}

	// Idempotent.
	mux.Destroy()
}

func TestMultiplexerStartFailure(t *testing.T) {
	key := testKey("/nonexistent/tool")
	wantErr := fmt.Errorf("exec: no such file")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) { return nil, wantErr },
	})
	if err := mux.CreateProcess(key); !errors.Is(err, wantErr) {
		t.Fatalf("CreateProcess = %v, want %v", err, wantErr)
	}
	// Start failure is not destruction; a retry may succeed.
	if mux.Destroyed() {
		t.Fatal("multiplexer destroyed by start failure")
	}
}

// startScriptedWorker builds a multiplexer whose worker side is driven
// directly by the test: requests are drained, responses are written
// with the returned writer.
func startScriptedWorker(t *testing.T) (*Multiplexer, *workerproto.Writer) {
	t.Helper()

	process := newFakeProcess()
	go io.Copy(io.Discard, process.workerIn)

	key := testKey("/usr/bin/scripted")
	mux := NewMultiplexer(key, MultiplexerOptions{
		Start: func(*WorkerKey) (Process, error) { return process, nil },
	})
	if err := mux.CreateProcess(key); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	t.Cleanup(mux.Destroy)
	return mux, workerproto.NewWriter(process.workerOut)
}

func TestMultiplexerResetResponseSlotDiscardsStaleResponse(t *testing.T) {
	mux, writer := startScriptedWorker(t)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	if err := writer.WriteResponse(&workerproto.WorkResponse{RequestID: id, Output: "stale"}); err != nil {
		t.Fatalf("WriteResponse stale: %v", err)
	}

	// A full round trip on a second ID proves the reader has already
	// delivered the stale response above (frames arrive in order).
	probe := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: probe}); err != nil {
		t.Fatalf("PutRequest probe: %v", err)
	}
	if err := writer.WriteResponse(&workerproto.WorkResponse{RequestID: probe}); err != nil {
		t.Fatalf("WriteResponse probe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := mux.GetResponse(ctx, probe); err != nil {
		t.Fatalf("GetResponse probe: %v", err)
	}

	mux.ResetResponseSlot(id)
	if err := writer.WriteResponse(&workerproto.WorkResponse{RequestID: id, Output: "fresh"}); err != nil {
		t.Fatalf("WriteResponse fresh: %v", err)
	}

	response, err := mux.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if response.Output != "fresh" {
		t.Fatalf("Output = %q, want the post-reset response", response.Output)
	}
}

func TestMultiplexerDuplicateResponseIsFatal(t *testing.T) {
	mux, writer := startScriptedWorker(t)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := writer.WriteResponse(&workerproto.WorkResponse{RequestID: id}); err != nil {
			t.Fatalf("WriteResponse %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for !mux.Destroyed() {
		if time.Now().After(deadline) {
			t.Fatal("multiplexer not destroyed after duplicate response")
		}
		time.Sleep(time.Millisecond)
	}
	if !mux.Poisoned() {
		t.Fatal("duplicate response not classified as poisoning")
	}
}

func TestMultiplexerAbandonCancelsWorkerSideRequest(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	handler := func(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
		if len(request.Arguments) > 0 && request.Arguments[0] == "hang" {
			<-ctx.Done()
			cancelled <- struct{}{}
			return &workerproto.WorkResponse{ExitCode: 1}
		}
		return &workerproto.WorkResponse{Output: strings.Join(request.Arguments, " ")}
	}
	mux, _ := startFakeWorker(t, handler, 2)

	id := mux.NextRequestID()
	if err := mux.PutRequest(&workerproto.WorkRequest{RequestID: id, Arguments: []string{"hang"}}); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mux.GetResponse(ctx, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetResponse = %v, want context.Canceled", err)
	}

	// Abandoning must reach the worker as a protocol cancellation so
	// the hung handler's concurrency slot is freed, not leaked.
	testutil.RequireReceive(t, cancelled, 10*time.Second, "worker never saw the cancellation")

	// The cancelled request's late response is discarded and the
	// stream stays usable.
	response := roundTrip(t, mux, "after")
	if response.Output != "after" {
		t.Fatalf("Output = %q, want %q", response.Output, "after")
	}
	if mux.Destroyed() {
		t.Fatal("multiplexer destroyed by a cancelled request")
	}
}
