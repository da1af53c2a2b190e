package embed

import "context"

// Fallback tries a primary embedder and degrades to a deterministic hash
// vector when the primary fails. Indexing therefore never blocks on an
// embedding outage: presence and absence in the collection stay correct
// while vector quality degrades until the primary recovers.
type Fallback struct {
	primary    Embedder
	backup     *HashEmbedder
	onFallback func(error)
}

// NewFallback wraps primary. The backup produces vectors of the same
// dimension so the collection schema never sees a mismatch. onFallback, if
// non-nil, observes every degradation (for counters and logs) and must not
// block.
func NewFallback(primary Embedder, onFallback func(error)) *Fallback {
	return &Fallback{
		primary:    primary,
		backup:     NewHashEmbedder(primary.Dimensions()),
		onFallback: onFallback,
	}
}

// Embed returns the primary's vector, or the hash vector when the primary
// errors. The primary's error is reported to the hook and then swallowed.
func (f *Fallback) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.primary.Embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if f.onFallback != nil {
		f.onFallback(err)
	}
	return f.backup.Embed(ctx, text)
}

// Dimensions returns the primary's vector length.
func (f *Fallback) Dimensions() int {
	return f.primary.Dimensions()
}
