// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Chisel's standard CBOR encoding configuration.
//
// Chisel uses CBOR for every internal binary format: the worker
// protocol frames exchanged with persistent worker subprocesses, the
// sandbox input manifests written alongside execution roots, and any
// on-disk state files. This package provides the shared encoding and
// decoding modes so that every package encodes identically without
// duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes. Determinism
// matters for the sandbox manifest digest comparison — two manifests
// describing the same inputs must hash identically.
//
// For buffer-oriented operations (manifest files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (worker pipes):
//
//	encoder := codec.NewEncoder(pipe)
//	decoder := codec.NewDecoder(pipe)
//
// Types serialized with this package carry `cbor` struct tags; they
// never participate in JSON serialization.
package codec
