package embed

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(128)

	first, err := h.Embed(context.Background(), "def f(): return 1")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	second, err := h.Embed(context.Background(), "def f(): return 1")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(first) != 128 {
		t.Fatalf("expected 128 dimensions, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("vectors differ at index %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestHashEmbedderDistinctInputs(t *testing.T) {
	h := NewHashEmbedder(64)

	a, _ := h.Embed(context.Background(), "package main")
	b, _ := h.Embed(context.Background(), "package main\n")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different inputs produced identical vectors")
	}
}

func TestHashEmbedderUnitLength(t *testing.T) {
	h := NewHashEmbedder(256)

	vec, err := h.Embed(context.Background(), "some content")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-3 {
		t.Errorf("expected unit-length vector, got norm %f", math.Sqrt(norm))
	}
}

func TestHashEmbedderDefaultsAndEmptyInput(t *testing.T) {
	h := NewHashEmbedder(0)
	if h.Dimensions() != 256 {
		t.Errorf("expected default 256 dimensions, got %d", h.Dimensions())
	}

	vec, err := h.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed of empty text failed: %v", err)
	}
	if len(vec) != 256 {
		t.Errorf("expected 256 dimensions for empty text, got %d", len(vec))
	}
}
