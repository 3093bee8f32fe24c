// Package hashx computes content digests used as identity keys for stored
// blobs. Digests are streaming SHA-256: identical byte sequences always yield
// identical digests regardless of filename or declared type.
package hashx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

const (
	// DigestSize is the raw digest length in bytes.
	DigestSize = sha256.Size

	// DigestHexSize is the length of the hex representation.
	DigestHexSize = DigestSize * 2
)

// Digest is a 256-bit content hash.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes the hex representation of a digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestHexSize {
		return Digest{}, fmt.Errorf("digest %q has invalid length %d, expected %d", s, len(s), DigestHexSize)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q is not valid hex: %w", s, err)
	}
	copy(d[:], b)
	return d, nil
}

// Hasher incrementally computes a Digest from a byte stream. It never needs
// the whole stream in memory; feed it through io.TeeReader or io.Copy.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}
