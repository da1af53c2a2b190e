package embed

import (
	"context"
	"fmt"
	"sync"
)

// MockEmbedder is a scriptable Embedder for tests. It records every input
// and returns a fixed vector. FailFirst fails that many leading calls with
// a generic error; Err, when set, fails every call after that.
type MockEmbedder struct {
	mu sync.Mutex

	// Vec is returned on success. Its length defines Dimensions.
	Vec []float32

	// Err fails every call once FailFirst is exhausted.
	Err error

	// FailFirst fails this many leading calls, then clears.
	FailFirst int

	// Calls records every text passed to Embed.
	Calls []string
}

// Embed records the input and returns the scripted outcome.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, text)

	if m.FailFirst > 0 {
		m.FailFirst--
		return nil, fmt.Errorf("embedding unavailable")
	}
	if m.Err != nil {
		return nil, m.Err
	}

	vec := make([]float32, len(m.Vec))
	copy(vec, m.Vec)
	return vec, nil
}

// Dimensions returns the scripted vector length.
func (m *MockEmbedder) Dimensions() int {
	return len(m.Vec)
}

// CallCount returns how many times Embed ran.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
