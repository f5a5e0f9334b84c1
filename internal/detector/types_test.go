package detector

import (
	"math"
	"testing"
)

func TestEmbeddingNormalized(t *testing.T) {
	var e Embedding
	e[0], e[1] = 3, 4

	n := e.Normalized()
	if math.Abs(float64(n[0])-0.6) > 1e-6 || math.Abs(float64(n[1])-0.8) > 1e-6 {
		t.Errorf("expected (0.6, 0.8), got (%v, %v)", n[0], n[1])
	}
	if e[0] != 3 {
		t.Error("Normalized modified the receiver")
	}
	var sq float64
	for _, v := range n {
		sq += float64(v * v)
	}
	if math.Abs(sq-1) > 1e-5 {
		t.Errorf("squared norm = %v, want 1", sq)
	}
}

func TestEmbeddingNormalizedZero(t *testing.T) {
	var e Embedding
	n := e.Normalized()
	for i, v := range n {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Fatalf("component %d = %v, want 0", i, v)
		}
	}
}

func TestBoundingBox(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 30, Y2: 60}
	if b.Width() != 20 || b.Height() != 40 || b.Area() != 800 {
		t.Errorf("unexpected geometry: w=%v h=%v area=%v", b.Width(), b.Height(), b.Area())
	}
}
