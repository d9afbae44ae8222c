// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox stages isolated execution roots for spawns.
//
// An [ExecRoot] is a directory tree in which only a spawn's declared
// inputs are visible, staged as symlinks to the original files or as
// physical copies on platforms without reliable symlinks. Trees are
// rebuilt per invocation, except that a tree whose input manifest
// digest matches the previous invocation's is reused without touching
// the filesystem. The skip check errs toward rebuilding: a stale tree
// silently serving old inputs is a correctness bug, an unnecessary
// rebuild is only a slow one.
//
// Teardown is delegated to a [TreeDeleter] so large trees can be
// removed off the spawn's critical path.
package sandbox
