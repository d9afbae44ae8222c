// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Chisel
// command binaries. [Fatal] is the standard error handler for main():
// errors from run() are reported to stderr before the structured
// logger exists, then the process exits nonzero.
package process
