// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes spawns end to end.
//
// A [Runner] takes one spawn through preparation, execution, and
// output collection. Tools that support persistence execute as
// requests against a pooled worker (multiplexed when the tool
// tolerates it); everything else runs as a fresh subprocess inside a
// staged execution root. Either way the caller gets back a structured
// [sandbox.SpawnResult]: the runner converts every failure mode of the
// machinery underneath into a classified result instead of letting it
// escape as a raw error or a hang.
//
// Timeouts escalate in two steps. When a spawn's deadline expires the
// runner terminates politely, waits a bounded grace period, then
// force-kills; the result records which of those paths was taken.
package runner
