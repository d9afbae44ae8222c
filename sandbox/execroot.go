// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/chisel-build/chisel/lib/codec"
	"github.com/chisel-build/chisel/lib/digest"
)

// Strategy selects how inputs are materialized inside the tree.
type Strategy string

const (
	// SymlinkStrategy stages inputs as symlinks to the originals.
	// The fast path on POSIX filesystems.
	SymlinkStrategy Strategy = "symlink"

	// CopyStrategy stages inputs as physical copies, for platforms
	// where symlink semantics are unreliable.
	CopyStrategy Strategy = "copy"
)

// Names of the bookkeeping files kept next to the staged tree.
const (
	manifestFileName  = "manifest"
	populatedFileName = ".populated"
)

// treeLocks serializes staging per sandbox directory. Persistent
// worker trees are shared by every concurrent spawn for the same
// worker key; two interleaved restages could otherwise record a
// manifest describing a tree the other restage half-overwrote, and
// the skip check would then trust a tree it does not describe.
var treeLocks sync.Map // sandbox dir -> *sync.Mutex

func lockTree(sandboxDir string) *sync.Mutex {
	lock, _ := treeLocks.LoadOrStore(filepath.Clean(sandboxDir), &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu
}

// ExecRootOptions configures NewExecRoot. Zero values get defaults.
type ExecRootOptions struct {
	// Logger receives staging events. Nil means discard.
	Logger *slog.Logger

	// Strategy selects symlink or copy staging. Empty means symlink.
	Strategy Strategy

	// Deleter removes the tree on Delete. Nil means synchronous.
	Deleter TreeDeleter

	// OnWrite is called once per filesystem mutation during staging.
	// Tests use it to assert that the incremental skip path really
	// touches nothing.
	OnWrite func()
}

// ExecRoot is one sandbox instance: a uniquely named directory holding
// a staged input tree at <base>/<id>/execroot/<workspace>, plus the
// manifest that drives the incremental-skip check.
type ExecRoot struct {
	sandboxDir string
	execDir    string
	strategy   Strategy
	deleter    TreeDeleter
	logger     *slog.Logger
	onWrite    func()

	deleted bool
}

// stagingManifest is the CBOR document recording what was staged and
// how. Its deterministic encoding is digested for the skip check; the
// recorded strategy prevents trusting a tree staged under different
// symlink-vs-copy semantics.
type stagingManifest struct {
	Strategy string          `cbor:"strategy"`
	Entries  []manifestEntry `cbor:"entries"`
}

type manifestEntry struct {
	Path   string `cbor:"path"`
	Digest string `cbor:"digest"`
}

// NewExecRoot allocates a fresh sandbox directory under baseDir. The
// tree itself is built by CreateFileSystem.
func NewExecRoot(baseDir, workspaceName string, options ExecRootOptions) (*ExecRoot, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	strategy := options.Strategy
	if strategy == "" {
		strategy = SymlinkStrategy
	}
	if strategy != SymlinkStrategy && strategy != CopyStrategy {
		return nil, fmt.Errorf("unknown staging strategy %q", strategy)
	}
	deleter := options.Deleter
	if deleter == nil {
		deleter = SynchronousTreeDeleter{}
	}

	sandboxDir := filepath.Join(baseDir, uuid.NewString())
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox directory: %w", err)
	}

	return &ExecRoot{
		sandboxDir: sandboxDir,
		execDir:    filepath.Join(sandboxDir, "execroot", workspaceName),
		strategy:   strategy,
		deleter:    deleter,
		logger:     logger.With("sandbox", filepath.Base(sandboxDir)),
		onWrite:    options.OnWrite,
	}, nil
}

// AttachExecRoot opens an existing sandbox directory, for persistent
// workers whose tree outlives a single spawn. The incremental-skip
// check in CreateFileSystem is what makes reattachment cheap.
func AttachExecRoot(sandboxDir, workspaceName string, options ExecRootOptions) (*ExecRoot, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	strategy := options.Strategy
	if strategy == "" {
		strategy = SymlinkStrategy
	}
	deleter := options.Deleter
	if deleter == nil {
		deleter = SynchronousTreeDeleter{}
	}
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("opening sandbox directory: %w", err)
	}
	return &ExecRoot{
		sandboxDir: sandboxDir,
		execDir:    filepath.Join(sandboxDir, "execroot", workspaceName),
		strategy:   strategy,
		deleter:    deleter,
		logger:     logger.With("sandbox", filepath.Base(sandboxDir)),
		onWrite:    options.OnWrite,
	}, nil
}

// Path returns the directory commands run in: the workspace root
// inside the staged tree.
func (e *ExecRoot) Path() string { return e.execDir }

// SandboxDir returns the sandbox instance directory containing the
// exec root and its bookkeeping files.
func (e *ExecRoot) SandboxDir() string { return e.sandboxDir }

// CreateFileSystem stages the declared inputs into the tree, creates
// parent directories for declared outputs, and ensures writable
// scratch directories exist. When the input manifest digest matches
// the previous invocation's and the tree is marked fully populated,
// the whole call is skipped without any filesystem writes.
//
// Any ambiguity in the skip check (unreadable manifest, different
// staging strategy, missing populated marker) falls back to a full
// rebuild.
//
// Staging is serialized per sandbox directory, so concurrent calls
// through separate ExecRoots attached to the same persistent tree
// cannot interleave. A rebuild clears the tree's contents in place;
// the workspace directory itself is never unlinked.
func (e *ExecRoot) CreateFileSystem(inputs []Input, outputs, writableDirs []string) error {
	manifest := buildManifest(e.strategy, inputs)
	encoded, err := codec.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding staging manifest: %w", err)
	}

	// Skip check and rebuild are an atomic unit per tree; another
	// ExecRoot attached to the same directory must not interleave.
	mu := lockTree(e.sandboxDir)
	defer mu.Unlock()

	if e.canSkipRebuild(encoded) {
		e.logger.Debug("reusing staged tree", "inputs", len(inputs))
		return nil
	}

	// Invalidate before mutating: a failure below must leave the tree
	// marked unpopulated so the next attempt rebuilds.
	e.write()
	if err := os.Remove(filepath.Join(e.sandboxDir, populatedFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing populated marker: %w", err)
	}
	e.write()
	if err := clearTree(e.execDir); err != nil {
		return fmt.Errorf("clearing stale tree: %w", err)
	}

	for _, input := range inputs {
		if err := e.stageInput(input); err != nil {
			return fmt.Errorf("staging %s: %w", input.Path, err)
		}
	}
	for _, output := range outputs {
		e.write()
		if err := os.MkdirAll(filepath.Dir(filepath.Join(e.execDir, output)), 0o755); err != nil {
			return fmt.Errorf("creating output parent for %s: %w", output, err)
		}
	}
	for _, dir := range writableDirs {
		e.write()
		if err := os.MkdirAll(filepath.Join(e.execDir, dir), 0o777); err != nil {
			return fmt.Errorf("creating writable dir %s: %w", dir, err)
		}
	}

	e.write()
	if err := os.WriteFile(filepath.Join(e.sandboxDir, manifestFileName), encoded, 0o644); err != nil {
		return fmt.Errorf("writing staging manifest: %w", err)
	}
	e.write()
	if err := os.WriteFile(filepath.Join(e.sandboxDir, populatedFileName), nil, 0o644); err != nil {
		return fmt.Errorf("writing populated marker: %w", err)
	}

	e.logger.Debug("staged tree", "inputs", len(inputs), "strategy", string(e.strategy))
	return nil
}

// canSkipRebuild reports whether the existing tree can serve the new
// manifest unchanged.
func (e *ExecRoot) canSkipRebuild(encoded []byte) bool {
	previous, err := os.ReadFile(filepath.Join(e.sandboxDir, manifestFileName))
	if err != nil {
		return false
	}
	var recorded stagingManifest
	if err := codec.Unmarshal(previous, &recorded); err != nil {
		return false
	}
	// A tree staged under copy semantics may hold stale file contents
	// that a symlink manifest would never notice, and vice versa.
	// Strategy mismatch means nothing about the tree can be trusted.
	if recorded.Strategy != string(e.strategy) {
		return false
	}
	if digest.Manifest(previous) != digest.Manifest(encoded) {
		return false
	}
	if _, err := os.Stat(filepath.Join(e.sandboxDir, populatedFileName)); err != nil {
		// Manifest written but staging never completed.
		return false
	}
	return true
}

func (e *ExecRoot) stageInput(input Input) error {
	target := filepath.Join(e.execDir, input.Path)
	e.write()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	switch e.strategy {
	case CopyStrategy:
		e.write()
		return copyFile(input.Source, target)
	default:
		e.write()
		return os.Symlink(input.Source, target)
	}
}

// CopyOutputs moves the declared outputs out of the tree into destRoot
// at the same relative paths, recursing into directories. A failure
// here is infrastructure trouble, not the action failing; callers
// classify it separately.
func (e *ExecRoot) CopyOutputs(destRoot string, outputs []string) error {
	for _, output := range outputs {
		source := filepath.Join(e.execDir, output)
		dest := filepath.Join(destRoot, output)

		if _, err := os.Lstat(source); err != nil {
			return fmt.Errorf("declared output %s was not produced: %w", output, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating output destination for %s: %w", output, err)
		}
		if err := os.Rename(source, dest); err == nil {
			continue
		}
		// Rename across filesystems fails; fall back to copying.
		if err := copyTree(source, dest); err != nil {
			return fmt.Errorf("copying output %s: %w", output, err)
		}
	}
	return nil
}

// Delete tears the sandbox directory down. Idempotent.
func (e *ExecRoot) Delete() error {
	if e.deleted {
		return nil
	}
	e.deleted = true
	return e.deleter.DeleteTree(e.sandboxDir)
}

// clearTree empties dir without removing dir itself. A persistent
// worker process runs with the tree as its working directory;
// unlinking the directory inode would leave the live worker resolving
// relative paths against an orphaned cwd while the fresh tree sits at
// the same name.
func clearTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// write fires the instrumentation hook before a filesystem mutation.
func (e *ExecRoot) write() {
	if e.onWrite != nil {
		e.onWrite()
	}
}

// buildManifest produces the canonical manifest: entries sorted by
// path so input ordering cannot perturb the digest.
func buildManifest(strategy Strategy, inputs []Input) stagingManifest {
	entries := make([]manifestEntry, len(inputs))
	for i, input := range inputs {
		entries[i] = manifestEntry{Path: input.Path, Digest: input.Digest}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return stagingManifest{Strategy: string(strategy), Entries: entries}
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyTree copies a file or directory tree preserving relative layout.
func copyTree(source, dest string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err := os.Readlink(source)
		if err != nil {
			return err
		}
		return os.Symlink(linkTarget, dest)
	}
	if !info.IsDir() {
		return copyFile(source, dest)
	}

	if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(source, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
