// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Chisel packages.
//
// [RequireReceive] and [RequireClosed] bound channel waits with a real
// wall-clock timeout so a deadlock in the code under test fails the
// test with a message instead of hanging the run. They are the only
// place in the test suite where real timeouts appear; production
// timing goes through lib/clock.
//
// This package has no Chisel-internal dependencies.
package testutil
