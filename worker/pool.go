// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chisel-build/chisel/lib/clock"
	"github.com/chisel-build/chisel/lib/hwinfo"
)

// PoolOptions configures a Pool. The zero value works for tests;
// production use injects config-derived limits, a registry-backed
// Metrics, and the real clock.
type PoolOptions struct {
	// Logger receives pool lifecycle events. Nil means discard.
	Logger *slog.Logger

	// Clock drives the eviction sweep. Nil means the real clock.
	Clock clock.Clock

	// Metrics receives lifecycle counters. Nil disables metrics.
	Metrics *Metrics

	// MaxInstancesPerKey caps concurrently borrowed workers per key.
	// Zero means 4.
	MaxInstancesPerKey int

	// MaxRequestsPerWorker retires a worker after it has served this
	// many requests. Zero means no limit.
	MaxRequestsPerWorker int

	// MemoryEvictionFloorBytes triggers idle-worker eviction when
	// available system memory drops below it. Zero disables eviction.
	MemoryEvictionFloorBytes uint64

	// EvictionInterval is the period of the background eviction sweep.
	// Zero disables the background sweep; EvictIdleWorkers can still
	// be called directly.
	EvictionInterval time.Duration

	// AvailableMemory reports available system memory in bytes. Nil
	// means reading /proc/meminfo. Tests inject a scripted function.
	AvailableMemory func() uint64

	// Start launches worker processes. Nil means StartSubprocess.
	Start StartFunc

	// MaxFrameSize bounds protocol response frames. Zero means
	// workerproto.DefaultMaxFrameSize.
	MaxFrameSize int
}

// Pool hands out persistent workers keyed by tool configuration,
// bounding concurrency per key, reusing idle workers, and evicting
// them oldest-first under memory pressure.
//
// Borrowed workers are represented by Leases. A caller must end every
// lease with Release, reporting whether the worker is still healthy;
// unhealthy workers are destroyed instead of returning to the idle
// list.
type Pool struct {
	logger   *slog.Logger
	clk      clock.Clock
	metrics  *Metrics
	options  PoolOptions
	registry *multiplexerRegistry
	memory   func() uint64

	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
	// idle is ordered oldest-first; reuse pops from the back (warmest
	// worker), eviction pops from the front.
	idle   []*idleEntry
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type idleEntry struct {
	worker Worker
	since  time.Time
}

// Lease is one borrowed worker. The embedded Worker is valid until
// Release.
type Lease struct {
	Worker

	pool     *Pool
	sem      *semaphore.Weighted
	released bool
}

// NewPool creates a pool. If options enable both a memory floor and an
// eviction interval, a background sweep runs until Close.
func NewPool(options PoolOptions) *Pool {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if options.MaxInstancesPerKey <= 0 {
		options.MaxInstancesPerKey = 4
	}
	memory := options.AvailableMemory
	if memory == nil {
		memory = hwinfo.AvailableMemoryBytes
	}

	p := &Pool{
		logger:  logger,
		clk:     clk,
		metrics: options.Metrics,
		options: options,
		registry: newMultiplexerRegistry(MultiplexerOptions{
			Logger:       logger,
			MaxFrameSize: options.MaxFrameSize,
			Start:        options.Start,
		}),
		memory:     memory,
		semaphores: make(map[string]*semaphore.Weighted),
	}

	if options.MemoryEvictionFloorBytes > 0 && options.EvictionInterval > 0 {
		p.stopSweep = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.sweepLoop()
	}
	return p
}

// Borrow acquires a worker for key, blocking while the key is at its
// concurrency cap. An idle worker is reused when one exists; otherwise
// a new one is created (its process starts lazily on first use).
func (p *Pool) Borrow(ctx context.Context, key *WorkerKey) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	sem := p.semaphoreForLocked(key)
	p.mu.Unlock()

	waitStart := p.clk.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.BorrowWait.Observe(p.clk.Now().Sub(waitStart).Seconds())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sem.Release(1)
		return nil, ErrPoolClosed
	}

	worker := p.popIdleLocked(key)
	p.mu.Unlock()

	// Discard reclaimed workers that went bad while idle.
	for worker != nil && !worker.Healthy() {
		p.destroyWorker(worker, "unhealthy while idle")
		p.mu.Lock()
		worker = p.popIdleLocked(key)
		p.mu.Unlock()
	}

	if worker == nil {
		worker = p.newWorker(key)
		if p.metrics != nil {
			p.metrics.WorkersCreated.Inc()
		}
		p.logger.Debug("created worker", "tool", key.Tool, "multiplex", key.Multiplex)
	}

	if p.metrics != nil {
		p.metrics.InUseWorkers.Inc()
	}
	return &Lease{Worker: worker, pool: p, sem: sem}, nil
}

// Release ends a lease. A healthy worker below its request-count limit
// returns to the idle list; anything else is destroyed. Safe to call
// once per lease; later calls are no-ops.
func (p *Pool) Release(lease *Lease, healthy bool) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true

	if p.metrics != nil {
		p.metrics.InUseWorkers.Dec()
	}

	worker := lease.Worker
	retire := !healthy || !worker.Healthy()
	if !retire && p.options.MaxRequestsPerWorker > 0 && worker.RequestCount() >= p.options.MaxRequestsPerWorker {
		retire = true
		p.logger.Debug("retiring worker at request limit",
			"tool", worker.Key().Tool, "requests", worker.RequestCount())
	}

	if retire {
		p.destroyWorker(worker, "released unhealthy or retired")
	} else {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroyWorker(worker, "pool closed")
		} else {
			p.idle = append(p.idle, &idleEntry{worker: worker, since: p.clk.Now()})
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.IdleWorkers.Inc()
			}
		}
	}

	lease.sem.Release(1)
}

// EvictIdleWorkers destroys idle workers oldest-first while available
// memory sits below the configured floor. Borrowed workers are never
// touched. Returns how many workers were evicted.
func (p *Pool) EvictIdleWorkers() int {
	floor := p.options.MemoryEvictionFloorBytes
	if floor == 0 {
		return 0
	}

	evicted := 0
	for {
		available := p.memory()
		if available == 0 || available >= floor {
			return evicted
		}

		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return evicted
		}
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.IdleWorkers.Dec()
			p.metrics.WorkersEvicted.Inc()
		}
		p.logger.Info("evicting idle worker under memory pressure",
			"tool", entry.worker.Key().Tool,
			"idle_since", entry.since,
			"available_bytes", available)
		p.destroyWorker(entry.worker, "memory pressure")
		evicted++
	}
}

// Close destroys every worker and shuts the pool down. Subsequent
// Borrows fail with ErrPoolClosed. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.stopSweep != nil {
		close(p.stopSweep)
		<-p.sweepDone
	}

	for _, entry := range idle {
		if p.metrics != nil {
			p.metrics.IdleWorkers.Dec()
		}
		p.destroyWorker(entry.worker, "pool closed")
	}

	// Borrowed proxy workers lose their shared processes here; their
	// in-flight requests fail with ErrMultiplexerDestroyed rather than
	// hanging past shutdown.
	p.registry.destroyAll()
	p.logger.Info("worker pool closed")
}

// IdleCount returns the number of idle workers. Diagnostics.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) semaphoreForLocked(key *WorkerKey) *semaphore.Weighted {
	id := key.ID()
	sem, ok := p.semaphores[id]
	if !ok {
		limit := key.MaxInstances
		if limit <= 0 {
			limit = p.options.MaxInstancesPerKey
		}
		sem = semaphore.NewWeighted(int64(limit))
		p.semaphores[id] = sem
	}
	return sem
}

// popIdleLocked removes and returns the most recently used idle worker
// for key, or nil.
func (p *Pool) popIdleLocked(key *WorkerKey) Worker {
	id := key.ID()
	for i := len(p.idle) - 1; i >= 0; i-- {
		if p.idle[i].worker.Key().ID() != id {
			continue
		}
		worker := p.idle[i].worker
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		if p.metrics != nil {
			p.metrics.IdleWorkers.Dec()
		}
		return worker
	}
	return nil
}

func (p *Pool) newWorker(key *WorkerKey) Worker {
	if key.Multiplex {
		mux, release := p.registry.acquire(key)
		return NewProxyWorker(key, mux, release)
	}
	start := p.options.Start
	return NewDedicatedWorker(key, start)
}

// destroyWorker tears a worker down and records why.
func (p *Pool) destroyWorker(worker Worker, reason string) {
	type poisonable interface{ Poisoned() bool }
	if pw, ok := worker.(poisonable); ok && pw.Poisoned() {
		if p.metrics != nil {
			p.metrics.WorkersPoisoned.Inc()
		}
		p.logger.Warn("destroying poisoned worker", "tool", worker.Key().Tool)
	}
	if err := worker.Destroy(); err != nil {
		p.logger.Warn("destroying worker", "tool", worker.Key().Tool, "error", err)
	}
	if p.metrics != nil {
		p.metrics.WorkersDestroyed.Inc()
	}
	p.logger.Debug("destroyed worker", "tool", worker.Key().Tool, "reason", reason)
}

// sweepLoop periodically evicts idle workers while memory is tight.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := p.clk.NewTicker(p.options.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.EvictIdleWorkers(); n > 0 {
				p.logger.Info("eviction sweep", "evicted", n)
			}
		case <-p.stopSweep:
			return
		}
	}
}
