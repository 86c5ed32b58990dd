// Package hashutil provides the two hash primitives the chunker and index
// are built on: a strong content hash used as the stable chunk key, and a
// fast window hash used to detect content-defined chunk boundaries.
package hashutil

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
)

// ContentKey returns the stable, content-derived identity of a chunk: the
// base64 encoding of the SHA-256 digest of its bytes. This is the on-disk
// chunk key format and must not change between runs or platforms.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ContentDigest returns the raw SHA-256 digest of data.
func ContentDigest(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// WindowDigest hashes a sliding window for boundary detection. MD5 is
// chosen for speed, not security: window hashes are never used as a
// stable identifier, only as a cheap source of pseudo-randomness to
// decide where a chunk boundary falls.
func WindowDigest(window []byte) [md5.Size]byte {
	return md5.Sum(window)
}

// IsBoundary reports whether the first n bytes of digest are all zero.
// n is the configured boundary_check_bytes; the expected average chunk
// size this produces is approximately 2^(8*n) bytes, clamped by the
// chunker's configured [min, max] bounds.
func IsBoundary(digest []byte, n int) bool {
	if n <= 0 || n > len(digest) {
		return false
	}
	for i := 0; i < n; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	return true
}
