// Package checksum computes fixed-length block digests.
package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// Algorithm identifies a block digest function.
type Algorithm string

const (
	// BLAKE3 is a 256-bit cryptographic digest. It is the default.
	BLAKE3 Algorithm = "blake3"
	// XXH3 is a 128-bit non-cryptographic digest, faster on slow CPUs.
	XXH3 Algorithm = "xxh3"
)

// Default is the algorithm used when none is configured.
const Default = BLAKE3

// Parse resolves a user-supplied algorithm name. The empty string selects
// Default.
func Parse(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return Default, nil
	case BLAKE3:
		return BLAKE3, nil
	case XXH3:
		return XXH3, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q (use blake3 or xxh3)", name)
	}
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case XXH3:
		return 16
	default:
		return 32
	}
}

// Sum returns the digest of block.
func (a Algorithm) Sum(block []byte) []byte {
	switch a {
	case XXH3:
		h := xxh3.Hash128(block).Bytes()
		return h[:]
	default:
		h := blake3.Sum256(block)
		return h[:]
	}
}

// AppendSum appends the digest of block to dst.
func (a Algorithm) AppendSum(dst, block []byte) []byte {
	return append(dst, a.Sum(block)...)
}

func (a Algorithm) String() string { return string(a) }

// HashFile computes the BLAKE3 hash of the file at path, returning the
// hex-encoded digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
