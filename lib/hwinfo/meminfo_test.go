// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMeminfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meminfo")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAvailableMemoryParsesKilobytes(t *testing.T) {
	path := writeMeminfo(t, `MemTotal:       32614024 kB
MemFree:         1489004 kB
MemAvailable:   16263584 kB
Buffers:          294560 kB
`)
	got := availableMemoryBytesFrom(path)
	want := uint64(16263584) * 1024
	if got != want {
		t.Errorf("availableMemoryBytesFrom = %d, want %d", got, want)
	}
}

func TestAvailableMemoryZeroOnMissingField(t *testing.T) {
	path := writeMeminfo(t, "MemTotal: 32614024 kB\nMemFree: 1489004 kB\n")
	if got := availableMemoryBytesFrom(path); got != 0 {
		t.Errorf("expected 0 without MemAvailable, got %d", got)
	}
}

func TestAvailableMemoryZeroOnGarbage(t *testing.T) {
	path := writeMeminfo(t, "MemAvailable: lots kB\n")
	if got := availableMemoryBytesFrom(path); got != 0 {
		t.Errorf("expected 0 on unparseable value, got %d", got)
	}
}

func TestAvailableMemoryZeroOnMissingFile(t *testing.T) {
	if got := availableMemoryBytesFrom(filepath.Join(t.TempDir(), "nope")); got != 0 {
		t.Errorf("expected 0 on missing file, got %d", got)
	}
}
