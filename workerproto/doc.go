// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package workerproto defines the wire protocol spoken between Chisel
// and persistent worker subprocesses.
//
// Requests flow down the worker's stdin, responses come back up its
// stdout. Each message is a length-delimited frame: an unsigned varint
// byte count followed by a CBOR-encoded body (lib/codec deterministic
// encoding). Stderr is not part of the protocol; workers use it for
// free-form diagnostics, which Chisel captures in a bounded tail for
// failure reports.
//
// A request's ID correlates it with its response. Responses may arrive
// in any order; multiplex-capable workers process several requests
// concurrently over the single stdin/stdout pair. Request ID 0 is
// reserved for legacy single-plex mode: exactly one request in flight,
// answered with ID 0.
//
// The package serves both sides of the pipe:
//
//   - [WriteRequest] / [ReadResponse] — the orchestrator side, used by
//     the worker multiplexer.
//   - [ReadRequest] / [WriteResponse] and [Serve] — the tool side, for
//     writing worker tools in Go (see cmd/chisel-worker).
package workerproto
