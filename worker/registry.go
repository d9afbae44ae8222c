// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
)

// multiplexerRegistry tracks the live multiplexer for each worker key
// and how many proxies reference it. The registry is the only owner of
// multiplexer lifetimes: proxies acquire and release references, and
// the shared process is torn down when the last reference goes.
type multiplexerRegistry struct {
	options MultiplexerOptions

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mux  *Multiplexer
	refs int
}

func newMultiplexerRegistry(options MultiplexerOptions) *multiplexerRegistry {
	return &multiplexerRegistry{
		options: options,
		entries: make(map[string]*registryEntry),
	}
}

// acquire returns the multiplexer for key, creating one if none exists
// or the previous one has been destroyed. The returned release func
// drops the reference; it is safe to call exactly once.
func (r *multiplexerRegistry) acquire(key *WorkerKey) (*Multiplexer, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.ID()
	entry, ok := r.entries[id]
	if !ok || entry.mux.Destroyed() {
		// A destroyed multiplexer is unusable; replace it. Proxies
		// still holding the old one see fail-fast errors and release
		// their references against the stale entry harmlessly.
		entry = &registryEntry{mux: NewMultiplexer(key, r.options)}
		r.entries[id] = entry
	}
	entry.refs++

	return entry.mux, func() { r.release(id, entry) }
}

func (r *multiplexerRegistry) release(id string, entry *registryEntry) {
	r.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	if last && r.entries[id] == entry {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if last {
		entry.mux.Destroy()
	}
}

// destroyAll tears down every registered multiplexer regardless of
// reference counts. Pool shutdown path.
func (r *multiplexerRegistry) destroyAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.mux.Destroy()
	}
}
