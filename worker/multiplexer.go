// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chisel-build/chisel/workerproto"
)

// Multiplexer shares one worker process among many concurrent callers.
// It owns the process exclusively: its stdin sees writes only under
// the multiplexer's single-writer lock, and its stdout is consumed by
// exactly one background reader goroutine that routes each response to
// the waiter registered for its request ID.
//
// A multiplexer is permanently bound to one WorkerKey. Its lifecycle
// is Uninitialized (no process yet) → Running (process started, reader
// active) → Destroyed (terminal). It never partially recovers: any I/O
// error, malformed frame, or unknown response ID destroys it, fails
// every pending and subsequent waiter, and the pool must build a fresh
// multiplexer with a fresh process.
type Multiplexer struct {
	key          *WorkerKey
	logger       *slog.Logger
	maxFrameSize int
	start        StartFunc

	// writeMu serializes request writes. The stream has no
	// framing-level concurrency; interleaved writes would corrupt it.
	writeMu sync.Mutex
	writer  *workerproto.Writer

	mu      sync.Mutex
	process Process
	// pending maps an in-flight request ID to the single-use channel
	// its waiter consumes. Each channel has capacity 1: a
	// single-producer/single-consumer handoff.
	pending map[int32]chan *workerproto.WorkResponse
	// abandoned holds request IDs whose waiters gave up (cancelled
	// callers). A late response for an abandoned ID is discarded
	// instead of being treated as a protocol violation.
	abandoned map[int32]bool
	// nextRequestID is the per-multiplexer ID generator. Owned state,
	// no process-wide counters.
	nextRequestID int32
	destroyed     bool
	cause         error

	// done is closed when the multiplexer is destroyed, waking every
	// blocked GetResponse.
	done chan struct{}
}

// StartFunc launches the worker process for a key. Production use
// passes a wrapper around StartSubprocess; tests substitute pipe-
// backed fakes.
type StartFunc func(key *WorkerKey) (Process, error)

// MultiplexerOptions configures NewMultiplexer. Zero values get
// defaults.
type MultiplexerOptions struct {
	// Logger receives lifecycle events. Nil means discard.
	Logger *slog.Logger

	// MaxFrameSize bounds a single response frame. Zero means
	// workerproto.DefaultMaxFrameSize.
	MaxFrameSize int

	// Start launches the worker process. Nil means StartSubprocess.
	Start StartFunc
}

// NewMultiplexer creates a multiplexer bound to key. The worker
// process is not started until CreateProcess (or the first Execute
// through a proxy) — workers that are never used are never launched.
func NewMultiplexer(key *WorkerKey, options MultiplexerOptions) *Multiplexer {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := options.Start
	if start == nil {
		start = func(key *WorkerKey) (Process, error) { return StartSubprocess(key) }
	}
	return &Multiplexer{
		key:          key,
		logger:       logger.With("worker_key", key.ID()[:12], "tool", key.Tool),
		maxFrameSize: options.MaxFrameSize,
		start:        start,
		pending:      make(map[int32]chan *workerproto.WorkResponse),
		abandoned:    make(map[int32]bool),
		done:         make(chan struct{}),
	}
}

// Key returns the worker key this multiplexer is bound to.
func (m *Multiplexer) Key() *WorkerKey { return m.key }

// Done returns a channel closed when the multiplexer is destroyed.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// CreateProcess ensures the worker process is running. Idempotent: a
// second call with an equal key is a no-op. A call with a different
// key is an error — a multiplexer is bound to one key for life.
func (m *Multiplexer) CreateProcess(key *WorkerKey) error {
	if key.ID() != m.key.ID() {
		return fmt.Errorf("multiplexer bound to key %s, cannot serve key %s", m.key.ID()[:12], key.ID()[:12])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return fmt.Errorf("%w: %w", ErrMultiplexerDestroyed, m.cause)
	}
	if m.process != nil {
		return nil
	}

	process, err := m.start(m.key)
	if err != nil {
		return err
	}
	m.process = process
	m.writer = workerproto.NewWriter(process.Stdin())

	m.logger.Info("worker process started")
	go m.readResponses(process)
	return nil
}

// NextRequestID returns a fresh request ID, unique for the lifetime
// of this multiplexer. IDs start at 1; 0 is reserved for legacy
// single-plex requests, which never travel through a multiplexer.
func (m *Multiplexer) NextRequestID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRequestID++
	return m.nextRequestID
}

// PutRequest registers a response slot for the request's ID, then
// writes the request to the worker. The write happens under the
// single-writer lock. An ID already in flight is a caller bug and is
// rejected before anything reaches the wire.
func (m *Multiplexer) PutRequest(request *workerproto.WorkRequest) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrMultiplexerDestroyed, m.cause)
	}
	if m.process == nil {
		m.mu.Unlock()
		return errors.New("multiplexer process not created; call CreateProcess first")
	}
	if _, exists := m.pending[request.RequestID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("request ID %d already in flight", request.RequestID)
	}
	delete(m.abandoned, request.RequestID)
	m.pending[request.RequestID] = make(chan *workerproto.WorkResponse, 1)
	m.mu.Unlock()

	m.writeMu.Lock()
	err := m.writer.WriteRequest(request)
	m.writeMu.Unlock()

	if err != nil {
		// A failed write means the pipe is gone; the reader will
		// observe the same thing, but destroy now so this caller's
		// error carries the cause.
		m.mu.Lock()
		delete(m.pending, request.RequestID)
		m.mu.Unlock()
		m.destroy(m.deathError(err))
		return m.fatalError()
	}
	return nil
}

// ResetResponseSlot re-arms a fresh response slot for an ID before a
// request generation reuses it, discarding any stale response a
// misbehaving worker may have emitted for the previous generation.
func (m *Multiplexer) ResetResponseSlot(requestID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	delete(m.abandoned, requestID)
	if _, exists := m.pending[requestID]; exists {
		m.pending[requestID] = make(chan *workerproto.WorkResponse, 1)
	}
}

// GetResponse blocks until the response for requestID arrives, the
// multiplexer is destroyed, or ctx is cancelled. On destruction every
// waiter receives the destruction cause (a *WorkerDeathError or
// *ProtocolViolationError) rather than hanging. On ctx cancellation
// the request is marked abandoned so its eventual response is
// discarded without poisoning the pending table.
func (m *Multiplexer) GetResponse(ctx context.Context, requestID int32) (*workerproto.WorkResponse, error) {
	m.mu.Lock()
	slot, ok := m.pending[requestID]
	if !ok {
		destroyed := m.destroyed
		m.mu.Unlock()
		if destroyed {
			return nil, m.fatalError()
		}
		return nil, fmt.Errorf("no request with ID %d in flight", requestID)
	}
	m.mu.Unlock()

	select {
	case response := <-slot:
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
		return response, nil
	case <-m.done:
		return nil, m.fatalError()
	case <-ctx.Done():
		m.abandon(requestID)
		return nil, ctx.Err()
	}
}

// abandon removes a request from the pending table, records its ID so
// the reader discards the response that will still arrive, and tells
// the worker to stop the work nobody will collect.
func (m *Multiplexer) abandon(requestID int32) {
	m.mu.Lock()
	if _, ok := m.pending[requestID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, requestID)
	m.abandoned[requestID] = true
	m.mu.Unlock()

	// A failed write means the pipe is gone; the reader observes the
	// same thing and destroys the multiplexer with the cause.
	m.writeMu.Lock()
	_ = m.writer.WriteRequest(&workerproto.WorkRequest{RequestID: requestID, Cancel: true})
	m.writeMu.Unlock()
}

// readResponses is the single background reader: it demultiplexes the
// worker's stdout, handing each response to the waiter registered for
// its ID. It exits by destroying the multiplexer — on stream EOF,
// on a malformed frame, on a duplicate response, or on a response ID
// with no waiter.
func (m *Multiplexer) readResponses(process Process) {
	reader := workerproto.NewReader(process.Stdout(), m.maxFrameSize)
	for {
		response, err := reader.ReadResponse()
		if err != nil {
			if errors.Is(err, workerproto.ErrMalformedFrame) {
				m.destroy(m.violationError("undecodable response frame", err))
			} else {
				// io.EOF, io.ErrUnexpectedEOF, or a pipe error: the
				// worker is gone.
				m.destroy(m.deathError(err))
			}
			return
		}

		m.mu.Lock()
		slot, ok := m.pending[response.RequestID]
		if ok {
			select {
			case slot <- response:
				m.mu.Unlock()
				continue
			default:
				// The slot already holds an unretrieved response: the
				// worker answered the same request twice.
				m.mu.Unlock()
				m.destroy(m.violationError(
					fmt.Sprintf("second response for request ID %d", response.RequestID), nil))
				return
			}
		}
		if m.abandoned[response.RequestID] {
			delete(m.abandoned, response.RequestID)
			m.mu.Unlock()
			m.logger.Debug("discarded response for abandoned request", "request_id", response.RequestID)
			continue
		}
		m.mu.Unlock()

		m.destroy(m.violationError(
			fmt.Sprintf("response for unknown request ID %d", response.RequestID), nil))
		return
	}
}

// Destroy tears the multiplexer down deliberately (pool eviction,
// shutdown). Pending waiters fail with ErrMultiplexerDestroyed.
// Idempotent.
func (m *Multiplexer) Destroy() {
	m.destroy(ErrMultiplexerDestroyed)
}

// Destroyed reports whether the multiplexer has reached its terminal
// state.
func (m *Multiplexer) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Poisoned reports whether destruction was caused by a protocol
// violation (the worker emitted bytes that are not valid frames).
func (m *Multiplexer) Poisoned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var violation *ProtocolViolationError
	return m.destroyed && errors.As(m.cause, &violation)
}

// DiedUnexpectedly reports whether destruction was caused by worker
// death or poisoning rather than a deliberate Destroy.
func (m *Multiplexer) DiedUnexpectedly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.destroyed {
		return false
	}
	return !errors.Is(m.cause, ErrMultiplexerDestroyed)
}

// destroy transitions to Destroyed exactly once, records the cause,
// wakes every waiter, and kills the process.
func (m *Multiplexer) destroy(cause error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.cause = cause
	process := m.process
	// Pending waiters are woken by the done close; the table only
	// needs clearing so late arrivals cannot resurrect entries.
	m.pending = make(map[int32]chan *workerproto.WorkResponse)
	m.abandoned = make(map[int32]bool)
	close(m.done)
	m.mu.Unlock()

	m.logger.Warn("worker multiplexer destroyed", "cause", cause)
	if process != nil {
		if err := process.Destroy(); err != nil {
			m.logger.Warn("destroying worker process", "error", err)
		}
	}
}

// fatalError returns the error waiters and subsequent callers see
// after destruction.
func (m *Multiplexer) fatalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errors.Is(m.cause, ErrMultiplexerDestroyed) {
		return m.cause
	}
	return fmt.Errorf("%w: %w", ErrMultiplexerDestroyed, m.cause)
}

// deathError builds the WorkerDeathError for a dead stream, attaching
// the exit code when the process has been reaped and the stderr tail.
func (m *Multiplexer) deathError(err error) *WorkerDeathError {
	death := &WorkerDeathError{ExitCode: -1}
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		death.Err = err
	}
	m.mu.Lock()
	process := m.process
	m.mu.Unlock()
	if process != nil {
		if code, ok := process.ExitCode(); ok {
			death.ExitCode = code
		}
		death.OutputTail = process.OutputTail()
	}
	return death
}

// violationError builds the ProtocolViolationError for a poisoned
// stream.
func (m *Multiplexer) violationError(reason string, err error) *ProtocolViolationError {
	violation := &ProtocolViolationError{Reason: reason, Err: err}
	m.mu.Lock()
	process := m.process
	m.mu.Unlock()
	if process != nil {
		violation.OutputTail = process.OutputTail()
	}
	return violation
}
