// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// failer is the slice of testing.TB the helpers need. Taking the
// interface keeps them callable through wrappers around *testing.T.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch, failing the test if nothing
// arrives within timeout. Tests waiting on worker responses or pool
// borrows use it instead of bare channel reads, so a deadlock in the
// code under test fails fast with a message instead of hanging the
// whole run.
//
//	err := testutil.RequireReceive(t, errs, 10*time.Second, "waiter never unblocked")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", message(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("nothing received within %v: %s", timeout, message(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or yield a value) within
// timeout, failing the test otherwise. Use it for lifecycle channels
// like a multiplexer's Done.
//
//	testutil.RequireClosed(t, mux.Done(), 10*time.Second, "multiplexer never destroyed")
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("not closed within %v: %s", timeout, message(msgAndArgs))
	}
}

// message renders the trailing arguments: a plain string, or a format
// string with its operands.
func message(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "(no message)"
	case 1:
		return fmt.Sprint(msgAndArgs[0])
	default:
		if format, ok := msgAndArgs[0].(string); ok {
			return fmt.Sprintf(format, msgAndArgs[1:]...)
		}
		return fmt.Sprint(msgAndArgs...)
	}
}
