// Package embed turns text into fixed-dimension vectors for indexing.
//
// The pipeline treats embedding as a synchronous transform that may be
// called from many workers at once. Implementations are expected to be
// deterministic for the same input within a run; the Fallback wrapper
// guarantees indexing never stalls on an embedding outage by degrading to a
// deterministic hash vector.
package embed

import "context"

// Embedder computes a vector for a piece of text.
type Embedder interface {
	// Embed returns a vector of Dimensions() length. Implementations must
	// be safe for concurrent use.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the length of every vector this embedder produces.
	Dimensions() int
}
