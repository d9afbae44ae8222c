// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides the two content hashes used across Chisel's
// execution core:
//
//   - SHA-256 for declared input files. Input digests travel inside
//     work requests and must match what the surrounding build engine
//     computed, so the algorithm is fixed to the engine's choice.
//   - BLAKE3 for sandbox manifest comparison. Manifest digests never
//     leave this process; they only answer "did the staged tree
//     change since last time", so the faster hash is used.
//
// Both digest kinds are 32 bytes and render as lowercase hex. The
// format helpers are the canonical representation used in work
// requests, manifest files, and log output.
package digest
