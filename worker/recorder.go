// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import "sync"

// DefaultTailSize is the default OutputRecorder capacity in bytes.
// 64 KB keeps the interesting end of a crash dump (the last stack
// trace, the final error lines) without holding a worker's full
// lifetime of stderr in memory.
const DefaultTailSize = 64 * 1024

// OutputRecorder is a fixed-size circular buffer capturing the tail
// of a worker's stderr. When a worker dies or poisons its protocol
// stream, the tail is attached to the error every waiter sees, so
// users can distinguish "my tool crashed" from "the multiplexing
// machinery is broken."
//
// All methods are safe for concurrent use. It implements io.Writer so
// it can be wired directly as a subprocess's stderr sink.
type OutputRecorder struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next write index within the circular
	// buffer (0 to capacity-1).
	writePosition int
	// totalWritten is the total number of bytes ever written; the
	// buffer holds the last min(totalWritten, capacity) of them.
	totalWritten uint64
}

// NewOutputRecorder creates a recorder with the given capacity in
// bytes. Use DefaultTailSize for the standard capacity.
func NewOutputRecorder(capacity int) *OutputRecorder {
	return &OutputRecorder{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes, overwriting the oldest data when full. Never
// returns an error.
func (r *OutputRecorder) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for offset := 0; offset < len(data); {
		available := r.capacity - r.writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(r.data[r.writePosition:r.writePosition+copyLength], data[offset:offset+copyLength])
		r.writePosition = (r.writePosition + copyLength) % r.capacity
		offset += copyLength
	}
	r.totalWritten += uint64(len(data))
	return len(data), nil
}

// Tail returns the captured bytes, oldest first, as a string.
func (r *OutputRecorder) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.totalWritten < uint64(r.capacity) {
		return string(r.data[:r.totalWritten])
	}
	// Buffer has wrapped: oldest byte sits at writePosition.
	tail := make([]byte, 0, r.capacity)
	tail = append(tail, r.data[r.writePosition:]...)
	tail = append(tail, r.data[:r.writePosition]...)
	return string(tail)
}
