// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo reads host memory information for the worker pool's
// eviction policy. The pool destroys idle workers when available
// memory drops below a configured floor; this package supplies the
// "available memory" reading from /proc/meminfo.
//
// Parse failures return zero rather than an error: a host where
// /proc/meminfo is unreadable simply never triggers memory-based
// eviction, which is the safe degradation.
package hwinfo
