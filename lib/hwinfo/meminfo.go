// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// AvailableMemoryBytes returns the kernel's MemAvailable estimate from
// /proc/meminfo: the amount of memory available for starting new
// workloads without swapping. Returns 0 on any read or parse failure.
func AvailableMemoryBytes() uint64 {
	return availableMemoryBytesFrom("/proc/meminfo")
}

// availableMemoryBytesFrom is the testable version of
// AvailableMemoryBytes that accepts a file path.
func availableMemoryBytesFrom(path string) uint64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		// Expected format: "MemAvailable:   16263584 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kilobytes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kilobytes * 1024
	}
	return 0
}
