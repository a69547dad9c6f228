package sidekick

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is the BLAKE3-256 digest of a generated artifact.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 bytes hex-encoded, for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ETag returns the strong entity tag for content with this digest.
func (h Hash) ETag() string {
	return `"` + hex.EncodeToString(h[:16]) + `"`
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingWriter forwards writes to w and digests everything written.
// Generators write through it so the digest is known once the artifact is
// committed, without re-reading it from storage.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: blake3.New()}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	hw.h.Sum(hash[:0])
	return hash
}

func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
