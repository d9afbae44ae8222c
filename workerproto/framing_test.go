// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package workerproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestRequestResponseLoopback(t *testing.T) {
	var buffer bytes.Buffer
	writer := NewWriter(&buffer)

	request := &WorkRequest{
		RequestID: 42,
		Arguments: []string{"--opt", "value", "src/main.c"},
		Inputs: []Input{
			{Path: "src/main.c", Digest: "ab12"},
			{Path: "include/api.h", Digest: "cd34"},
		},
	}
	if err := writer.WriteRequest(request); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	reader := NewReader(&buffer, 0)
	decoded, err := reader.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if !reflect.DeepEqual(decoded, request) {
		t.Errorf("request loopback mismatch:\n got %+v\nwant %+v", decoded, request)
	}
}

func TestResponseLoopbackPreservesFields(t *testing.T) {
	var buffer bytes.Buffer
	writer := NewWriter(&buffer)

	response := &WorkResponse{
		RequestID: 7,
		ExitCode:  3,
		Output:    "warning: unused variable\nerror: missing semicolon\n",
	}
	if err := writer.WriteResponse(response); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	decoded, err := NewReader(&buffer, 0).ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if decoded.RequestID != 7 || decoded.ExitCode != 3 || decoded.Output != response.Output {
		t.Errorf("response loopback mismatch: %+v", decoded)
	}
}

func TestReadResponseEOFOnEmptyStream(t *testing.T) {
	reader := NewReader(bytes.NewReader(nil), 0)
	if _, err := reader.ReadResponse(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadResponseTruncatedBody(t *testing.T) {
	var buffer bytes.Buffer
	// Claim a 100-byte body but provide 3.
	buffer.Write(binary.AppendUvarint(nil, 100))
	buffer.Write([]byte{0x01, 0x02, 0x03})

	reader := NewReader(&buffer, 0)
	if _, err := reader.ReadResponse(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF on truncated body, got %v", err)
	}
}

func TestReadResponseOversizedFrame(t *testing.T) {
	var buffer bytes.Buffer
	buffer.Write(binary.AppendUvarint(nil, 1<<30))

	reader := NewReader(&buffer, 1024)
	_, err := reader.ReadResponse()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for oversized frame, got %v", err)
	}
}

func TestReadResponseGarbageBody(t *testing.T) {
	// A poisoned worker writes non-protocol bytes. A frame whose body
	// is not valid CBOR must surface as malformed, never be retried.
	garbage := []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb}
	var buffer bytes.Buffer
	buffer.Write(binary.AppendUvarint(nil, uint64(len(garbage))))
	buffer.Write(garbage)

	reader := NewReader(&buffer, 0)
	_, err := reader.ReadResponse()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for garbage body, got %v", err)
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buffer bytes.Buffer
	writer := NewWriter(&buffer)
	for id := int32(1); id <= 5; id++ {
		if err := writer.WriteResponse(&WorkResponse{RequestID: id, ExitCode: id % 2}); err != nil {
			t.Fatalf("WriteResponse %d: %v", id, err)
		}
	}

	reader := NewReader(&buffer, 0)
	for id := int32(1); id <= 5; id++ {
		response, err := reader.ReadResponse()
		if err != nil {
			t.Fatalf("ReadResponse %d: %v", id, err)
		}
		if response.RequestID != id {
			t.Errorf("frame %d: RequestID = %d", id, response.RequestID)
		}
	}
	if _, err := reader.ReadResponse(); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}
