// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package workerproto

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Handler processes individual work requests on the tool side.
// Implementations must be safe for concurrent calls: a multiplex-
// capable worker handles several requests at once.
type Handler interface {
	// HandleRequest processes a single work request and returns its
	// response. ctx is cancelled if a cancel request arrives for this
	// request's ID; long-running handlers should check ctx.Done() and
	// return early. Serve sets WasCancelled on the response when the
	// context was cancelled.
	HandleRequest(ctx context.Context, request *WorkRequest) *WorkResponse
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *WorkRequest) *WorkResponse

// HandleRequest calls the function itself.
func (f HandlerFunc) HandleRequest(ctx context.Context, request *WorkRequest) *WorkResponse {
	return f(ctx, request)
}

// ServeOptions tunes the Serve loop. The zero value is usable.
type ServeOptions struct {
	// MaxConcurrentRequests bounds requests processed at once. Zero
	// or negative means 4.
	MaxConcurrentRequests int

	// MaxFrameSize bounds a single incoming frame. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

// Serve runs the tool side of the worker protocol: it reads request
// frames from in, dispatches each to handler on its own goroutine
// (bounded by MaxConcurrentRequests), and writes response frames to
// out in completion order. It returns nil when in reaches EOF (the
// orchestrator closed the pipe) after all in-flight requests drain,
// or the first fatal read/write error.
//
// Cancel requests are handled inside the loop: an in-flight request
// with a matching ID has its context cancelled; an unknown ID is
// ignored, since the request has already completed.
func Serve(ctx context.Context, in io.Reader, out io.Writer, handler Handler, options ServeOptions) error {
	concurrency := options.MaxConcurrentRequests
	if concurrency <= 0 {
		concurrency = 4
	}

	reader := NewReader(in, options.MaxFrameSize)
	writer := NewWriter(out)

	// Single response-writer goroutine: the output stream has no
	// framing-level concurrency, so every response funnels through
	// this channel.
	responses := make(chan *WorkResponse, concurrency)
	writerDone := make(chan error, 1)
	go func() {
		for response := range responses {
			if err := writer.WriteResponse(response); err != nil {
				writerDone <- err
				// Drain so handler goroutines never block on send.
				for range responses {
				}
				return
			}
		}
		writerDone <- nil
	}()

	var (
		wg       sync.WaitGroup
		slots    = make(chan struct{}, concurrency)
		mu       sync.Mutex
		inFlight = map[int32]context.CancelFunc{}
	)

	var readErr error
	for {
		request, err := reader.ReadRequest()
		if err != nil {
			if err != io.EOF {
				readErr = fmt.Errorf("reading work request: %w", err)
			}
			break
		}

		if request.Cancel {
			mu.Lock()
			if cancel, ok := inFlight[request.RequestID]; ok {
				cancel()
			}
			mu.Unlock()
			continue
		}

		slots <- struct{}{}

		// Register the cancel func before the handler goroutine
		// starts: a Cancel frame can arrive on the very next read and
		// must find its target.
		requestCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		inFlight[request.RequestID] = cancel
		mu.Unlock()

		wg.Add(1)
		go func(request *WorkRequest, requestCtx context.Context, cancel context.CancelFunc) {
			defer wg.Done()
			defer func() { <-slots }()
			defer cancel()
			defer func() {
				mu.Lock()
				delete(inFlight, request.RequestID)
				mu.Unlock()
			}()

			response := handler.HandleRequest(requestCtx, request)
			response.RequestID = request.RequestID
			if requestCtx.Err() == context.Canceled {
				response.WasCancelled = true
			}
			responses <- response
		}(request, requestCtx, cancel)
	}

	wg.Wait()
	close(responses)
	writeErr := <-writerDone

	if readErr != nil {
		return readErr
	}
	return writeErr
}
