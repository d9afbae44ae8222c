// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sort"

	"github.com/chisel-build/chisel/lib/codec"
	"github.com/chisel-build/chisel/lib/digest"
)

// WorkerKey identifies a worker kind: which tool to run, with which
// startup flags and environment, under which isolation mode. Two
// spawns with equal keys may share a worker instance; the pool shards
// on the key's ID.
//
// WorkerKey is immutable after construction — mutating a field after
// the key has been handed to the pool invalidates the cached ID.
type WorkerKey struct {
	// Tool is the worker executable path.
	Tool string

	// ToolDigest is the lowercase hex SHA-256 of the executable, so a
	// rebuilt tool never shares workers with its previous version.
	ToolDigest string

	// Args are the startup flags the worker process is launched with
	// (distinct from per-request arguments).
	Args []string

	// Env is the worker process environment.
	Env map[string]string

	// WorkDir is the directory the worker process runs in. Reused
	// across requests to the same worker.
	WorkDir string

	// Sandboxed marks workers that run inside an isolated execution
	// root.
	Sandboxed bool

	// Multiplex marks tools that declared they tolerate concurrent
	// interleaved requests over one stdin/stdout pair. Tools without
	// it get one dedicated worker per concurrent caller.
	Multiplex bool

	// MaxInstances optionally overrides the pool's per-key concurrency
	// cap. Zero means the pool default. Not part of the key's identity.
	MaxInstances int

	// cachedID memoizes ID(). Safe without locking: keys are built
	// once and then only read.
	cachedID string
}

// keyFingerprint is the canonical encoding hashed to form a key's ID.
// Environment is flattened to sorted "name=value" strings so map
// iteration order cannot perturb the hash.
type keyFingerprint struct {
	Tool       string   `cbor:"tool"`
	ToolDigest string   `cbor:"tool_digest"`
	Args       []string `cbor:"args"`
	Env        []string `cbor:"env"`
	WorkDir    string   `cbor:"work_dir"`
	Sandboxed  bool     `cbor:"sandboxed"`
	Multiplex  bool     `cbor:"multiplex"`
}

// ID returns the key's canonical identity string: the BLAKE3 digest
// of the deterministic encoding of all identity fields. Keys are
// equal exactly when their IDs are equal.
func (k *WorkerKey) ID() string {
	if k.cachedID != "" {
		return k.cachedID
	}

	environment := make([]string, 0, len(k.Env))
	for name, value := range k.Env {
		environment = append(environment, name+"="+value)
	}
	sort.Strings(environment)

	encoded, err := codec.Marshal(keyFingerprint{
		Tool:       k.Tool,
		ToolDigest: k.ToolDigest,
		Args:       k.Args,
		Env:        environment,
		WorkDir:    k.WorkDir,
		Sandboxed:  k.Sandboxed,
		Multiplex:  k.Multiplex,
	})
	if err != nil {
		// Only reachable if keyFingerprint itself becomes
		// unencodable, which is a programming error.
		panic("worker: encoding key fingerprint: " + err.Error())
	}

	sum := digest.Manifest(encoded)
	k.cachedID = digest.Format(sum)
	return k.cachedID
}

// Environ flattens Env into the "name=value" form exec.Cmd expects,
// sorted for deterministic process environments.
func (k *WorkerKey) Environ() []string {
	environment := make([]string, 0, len(k.Env))
	for name, value := range k.Env {
		environment = append(environment, name+"="+value)
	}
	sort.Strings(environment)
	return environment
}
