// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package workerproto

// WorkRequest asks a worker to perform one unit of work. Immutable
// once sent.
type WorkRequest struct {
	// RequestID correlates this request with its response. Unique
	// among requests in flight on one worker. Zero means legacy
	// single-plex mode: the tool must process immediately and respond
	// with RequestID zero.
	RequestID int32 `cbor:"request_id"`

	// Arguments is the ordered tool command line for this unit of
	// work.
	Arguments []string `cbor:"arguments"`

	// Inputs lists the declared input files with their content
	// digests, in the order the build engine declared them. Workers
	// use the digests for their own caching.
	Inputs []Input `cbor:"inputs,omitempty"`

	// Cancel asks the worker to abandon the in-flight request with
	// the same RequestID. A cancel request carries no arguments or
	// inputs and receives no response of its own.
	Cancel bool `cbor:"cancel,omitempty"`

	// SandboxDir is the work directory for this request, relative to
	// the worker's working directory, when the worker runs in
	// sandboxed multiplex mode. Empty otherwise.
	SandboxDir string `cbor:"sandbox_dir,omitempty"`
}

// Input is one declared input file of a work request.
type Input struct {
	// Path is the input's path relative to the execution root.
	Path string `cbor:"path"`

	// Digest is the lowercase hex SHA-256 of the file content.
	Digest string `cbor:"digest"`
}

// WorkResponse is a worker's answer to one WorkRequest. Exactly one
// response per request, carrying the matching RequestID, unless the
// worker dies first.
type WorkResponse struct {
	// RequestID matches the request this response answers.
	RequestID int32 `cbor:"request_id"`

	// ExitCode is the tool's exit code for this unit of work. Zero is
	// success.
	ExitCode int32 `cbor:"exit_code"`

	// Output is the captured stdout/stderr text of the unit of work,
	// shown to the user when the action fails.
	Output string `cbor:"output,omitempty"`

	// WasCancelled reports that the request was abandoned in response
	// to a cancel request.
	WasCancelled bool `cbor:"was_cancelled,omitempty"`
}
