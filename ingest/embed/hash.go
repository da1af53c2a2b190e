package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

const defaultHashDimensions = 256

// HashEmbedder derives a synthetic vector from a SHA-256 stream of the
// text. It involves no external service and is fully deterministic, so it
// doubles as the outage fallback and as the default embedder for dry runs.
//
// The vectors carry no semantic signal. They keep presence/absence in the
// collection correct; similarity quality is whatever hashing gives you.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder producing dims-length vectors.
// Non-positive dims selects the default of 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed expands sha256(text) into a unit-length vector. Each 32-byte block
// is chained from the previous one with a counter, so any dimension count
// is supported.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)

	block := sha256.Sum256([]byte(text))
	buf := block[:]
	var counter uint32

	for i := 0; i < h.dims; i++ {
		off := (i * 4) % sha256.Size
		if i > 0 && off == 0 {
			counter++
			var seed [sha256.Size + 4]byte
			copy(seed[:], buf)
			binary.BigEndian.PutUint32(seed[sha256.Size:], counter)
			next := sha256.Sum256(seed[:])
			buf = next[:]
		}
		u := binary.BigEndian.Uint32(buf[off : off+4])
		vec[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}

	// Normalize to unit length so distance metrics behave consistently.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimensions returns the configured vector length.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}
