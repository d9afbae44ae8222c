// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker manages Chisel's persistent worker subprocesses: the
// long-lived tool processes that handle many build actions without
// restarting.
//
// The package has three layers:
//
//   - [Subprocess] owns one OS process and its pipes.
//   - [Multiplexer] shares one Subprocess among many concurrent
//     callers by correlating protocol responses to requests by ID.
//     One background reader goroutine demultiplexes the worker's
//     stdout; writes to its stdin are serialized.
//   - [Pool] bounds how many workers run per [WorkerKey], reuses idle
//     ones, and evicts under memory pressure. Borrow returns a
//     [Worker]: either a [DedicatedWorker] owning its process
//     outright or a [ProxyWorker] that delegates to a shared
//     Multiplexer.
//
// Failure handling is deliberately blunt. A worker that dies, emits a
// malformed frame, or answers with an unknown request ID is destroyed
// and every caller waiting on it gets an error carrying the captured
// tail of the worker's stderr. Nothing is retried at this layer; the
// pool simply refuses to return the corpse to the idle set.
package worker
