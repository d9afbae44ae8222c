// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// chisel-worker is an example multiplex-capable persistent worker
// tool, used for end-to-end exercises of the worker machinery.
//
// Launched with --persistent_worker it speaks the worker protocol on
// stdin/stdout and serves requests concurrently. Each request selects
// a behavior through its own arguments:
//
//	--uppercase [text...]   respond with the text uppercased
//	--write_counter         respond with a strictly increasing counter
//	--sleep <duration>      park until the duration passes or the
//	                        request is cancelled
//	--poison                print garbage to stdout, breaking the
//	                        protocol stream on purpose
//
// Without --persistent_worker the tool processes its command line as
// a single request and prints the result, the legacy one-shot mode.
package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chisel-build/chisel/lib/process"
	"github.com/chisel-build/chisel/lib/version"
	"github.com/chisel-build/chisel/workerproto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("chisel-worker %s\n", version.Info())
		return
	}

	if slices.Contains(os.Args[1:], "--persistent_worker") {
		if err := serve(); err != nil {
			process.Fatal(err)
		}
		return
	}

	// One-shot mode: the command line is the request.
	tool := &toolState{}
	response := tool.handle(context.Background(), &workerproto.WorkRequest{Arguments: os.Args[1:]})
	fmt.Print(response.Output)
	os.Exit(int(response.ExitCode))
}

func serve() error {
	tool := &toolState{}
	return workerproto.Serve(context.Background(), os.Stdin, os.Stdout, workerproto.HandlerFunc(tool.handle),
		workerproto.ServeOptions{MaxConcurrentRequests: 8})
}

// toolState carries what persists across requests: the counter that
// lets tests observe request interleaving on one shared process.
type toolState struct {
	counter atomic.Int64
}

func (t *toolState) handle(ctx context.Context, request *workerproto.WorkRequest) *workerproto.WorkResponse {
	if len(request.Arguments) == 0 {
		return &workerproto.WorkResponse{ExitCode: 1, Output: "no behavior requested\n"}
	}

	behavior := request.Arguments[0]
	rest := request.Arguments[1:]

	switch behavior {
	case "--uppercase":
		return &workerproto.WorkResponse{Output: strings.ToUpper(strings.Join(rest, " "))}

	case "--write_counter":
		return &workerproto.WorkResponse{Output: fmt.Sprintf("COUNTER %d", t.counter.Add(1))}

	case "--sleep":
		duration := time.Second
		if len(rest) > 0 {
			if parsed, err := time.ParseDuration(rest[0]); err == nil {
				duration = parsed
			}
		}
		select {
		case <-time.After(duration):
			return &workerproto.WorkResponse{Output: "slept " + duration.String()}
		case <-ctx.Done():
			return &workerproto.WorkResponse{ExitCode: 1, Output: "interrupted"}
		}

	case "--poison":
		// Deliberately corrupt the response stream. The orchestrator
		// must detect this as a protocol violation and destroy the
		// worker, never hang.
		fmt.Print("I'm a poisoned worker and this is not a protocol frame.\n")
		return &workerproto.WorkResponse{Output: "poison delivered"}

	default:
		return &workerproto.WorkResponse{ExitCode: 1, Output: fmt.Sprintf("unknown behavior %q\n", behavior)}
	}
}
