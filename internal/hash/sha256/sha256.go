// Package sha256 fingerprints page snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Digests are lowercase hex.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Digest(data), nil
}

// Digest is Hash without the error return.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Same reports whether two snapshots are byte-identical by digest.
func Same(a, b []byte) bool {
	return sha256.Sum256(a) == sha256.Sum256(b)
}
