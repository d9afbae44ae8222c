// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package workerproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chisel-build/chisel/lib/codec"
)

// DefaultMaxFrameSize bounds a single protocol frame. A worker that
// claims a larger frame is emitting garbage, not a real response.
const DefaultMaxFrameSize = 64 << 20

// ErrMalformedFrame marks a frame that could not be decoded: an
// oversized length prefix, a truncated varint, or a body that is not
// valid CBOR. Callers must treat it as fatal to the worker — a
// malformed frame means the stream position is lost and nothing after
// it can be trusted.
var ErrMalformedFrame = errors.New("malformed protocol frame")

// Writer encodes protocol messages onto a byte stream as
// length-delimited CBOR frames.
//
// Writer is not safe for concurrent use. The worker multiplexer
// serializes access (single-writer discipline); the framing layer has
// no concurrency of its own.
type Writer struct {
	out io.Writer
	buf []byte
}

// NewWriter returns a Writer framing messages onto out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// WriteRequest frames and writes one work request.
func (w *Writer) WriteRequest(request *WorkRequest) error {
	return w.writeFrame(request)
}

// WriteResponse frames and writes one work response. Tool side.
func (w *Writer) WriteResponse(response *WorkResponse) error {
	return w.writeFrame(response)
}

func (w *Writer) writeFrame(message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding protocol frame: %w", err)
	}

	// Assemble prefix and body into one buffer so the frame reaches
	// the pipe in a single Write call.
	w.buf = binary.AppendUvarint(w.buf[:0], uint64(len(body)))
	w.buf = append(w.buf, body...)

	if _, err := w.out.Write(w.buf); err != nil {
		return fmt.Errorf("writing protocol frame: %w", err)
	}
	return nil
}

// Reader decodes length-delimited CBOR frames from a byte stream.
//
// Reader is not safe for concurrent use; the multiplexer's single
// background reader goroutine is the only consumer.
type Reader struct {
	in           *bufio.Reader
	maxFrameSize int
}

// NewReader returns a Reader for in. maxFrameSize bounds a single
// frame; pass 0 for DefaultMaxFrameSize.
func NewReader(in io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		in:           bufio.NewReader(in),
		maxFrameSize: maxFrameSize,
	}
}

// ReadResponse blocks until a full response frame is available or the
// stream ends. Returns io.EOF when the stream closed cleanly between
// frames, which callers must treat as "worker died". A frame that
// cannot be decoded returns an error wrapping ErrMalformedFrame.
func (r *Reader) ReadResponse() (*WorkResponse, error) {
	var response WorkResponse
	if err := r.readFrame(&response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ReadRequest blocks until a full request frame is available or the
// stream ends. Tool side.
func (r *Reader) ReadRequest() (*WorkRequest, error) {
	var request WorkRequest
	if err := r.readFrame(&request); err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *Reader) readFrame(message any) error {
	length, err := binary.ReadUvarint(r.in)
	if err != nil {
		if err == io.EOF {
			// Clean close between frames.
			return io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			// Stream died mid-prefix.
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: reading length prefix: %v", ErrMalformedFrame, err)
	}
	if length > uint64(r.maxFrameSize) {
		return fmt.Errorf("%w: frame length %d exceeds limit %d", ErrMalformedFrame, length, r.maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.in, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Stream died mid-frame.
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading frame body: %w", err)
	}

	if err := codec.Unmarshal(body, message); err != nil {
		detail := describeBody(body)
		return fmt.Errorf("%w: %v (body: %s)", ErrMalformedFrame, err, detail)
	}
	return nil
}

// describeBody renders an undecodable frame body for diagnostics,
// preferring CBOR diagnostic notation and falling back to a byte
// count. Bounded so a multi-megabyte garbage frame does not flood the
// error message.
func describeBody(body []byte) string {
	const limit = 256
	if diagnostic, err := codec.Diagnose(body); err == nil {
		if len(diagnostic) > limit {
			diagnostic = diagnostic[:limit] + "..."
		}
		return diagnostic
	}
	return fmt.Sprintf("%d undecodable bytes", len(body))
}
