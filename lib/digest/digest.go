// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile computes the SHA-256 digest of the file at path. The file
// is streamed through the hash function in chunks (via io.Copy) to
// keep memory usage constant regardless of file size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Manifest computes the BLAKE3 digest of an encoded sandbox manifest.
// Callers must encode the manifest with lib/codec (deterministic
// encoding) so that equal logical manifests always hash equal.
func Manifest(encoded []byte) [32]byte {
	return blake3.Sum256(encoded)
}

// Format returns the lowercase hex encoding of a 32-byte digest. This
// is the canonical format used in work requests, manifest files, and
// log output.
func Format(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}

// Parse parses a hex-encoded 32-byte digest string. Returns an error
// if the string is not a valid 64-character hex encoding.
func Parse(hexString string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
