// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// TreeDeleter removes sandbox directory trees. Implementations decide
// whether removal happens on the caller's thread or is deferred.
type TreeDeleter interface {
	// DeleteTree removes path and everything under it. A missing path
	// is not an error.
	DeleteTree(path string) error
}

// SynchronousTreeDeleter removes trees inline. Simple and correct;
// the caller pays the deletion latency.
type SynchronousTreeDeleter struct{}

// DeleteTree implements TreeDeleter.
func (SynchronousTreeDeleter) DeleteTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting tree %s: %w", path, err)
	}
	return nil
}

// AsyncTreeDeleter moves trees into a trash directory with a cheap
// rename and removes them on a background goroutine. Large exec roots
// stop blocking the spawn that owned them.
type AsyncTreeDeleter struct {
	trashDir string
	logger   *slog.Logger

	mu     sync.Mutex
	serial int
	wg     sync.WaitGroup
	closed bool
}

// NewAsyncTreeDeleter creates the trash directory and returns a
// deleter moving trees into it. Call Close to wait for background
// removals during shutdown.
func NewAsyncTreeDeleter(trashDir string, logger *slog.Logger) (*AsyncTreeDeleter, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trash directory: %w", err)
	}
	return &AsyncTreeDeleter{trashDir: trashDir, logger: logger}, nil
}

// DeleteTree implements TreeDeleter. The tree disappears from its
// original path before this returns; the actual removal runs in the
// background. Falls back to synchronous removal when the rename fails
// (different filesystem) or the deleter is closed.
func (d *AsyncTreeDeleter) DeleteTree(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return SynchronousTreeDeleter{}.DeleteTree(path)
	}
	d.serial++
	trashed := filepath.Join(d.trashDir, strconv.Itoa(d.serial))
	d.mu.Unlock()

	if err := os.Rename(path, trashed); err != nil {
		return SynchronousTreeDeleter{}.DeleteTree(path)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := os.RemoveAll(trashed); err != nil {
			d.logger.Warn("removing trashed tree", "path", trashed, "error", err)
		}
	}()
	return nil
}

// Close waits for background removals to finish and removes the trash
// directory. Subsequent DeleteTree calls degrade to synchronous
// removal.
func (d *AsyncTreeDeleter) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	return os.RemoveAll(d.trashDir)
}
