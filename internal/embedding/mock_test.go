package embedding

import (
	"context"
	"math"
	"testing"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestMockDeterministic(t *testing.T) {
	m := NewMock(32)
	ctx := context.Background()
	a, err := m.EmbedBatch(ctx, []string{"the cat sat"}, RoleDocument)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.EmbedBatch(ctx, []string{"the cat sat"}, RoleDocument)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("same text produced different embeddings")
		}
	}
}

func TestMockUnitNorm(t *testing.T) {
	m := NewMock(16)
	vecs, err := m.EmbedBatch(context.Background(), []string{"hello world", ""}, RoleQuery)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if math.Abs(dot(v, v)-1) > 1e-5 {
			t.Errorf("vector %d not unit length: %f", i, dot(v, v))
		}
	}
}

func TestMockSynonymsShareAxis(t *testing.T) {
	m := NewMockWithSynonyms(32, map[string]string{"feline": "cat", "kitten": "cat"})
	ctx := context.Background()
	vecs, err := m.EmbedBatch(ctx, []string{"felines", "the cat sat", "astronomy telescope"}, RoleDocument)
	if err != nil {
		t.Fatal(err)
	}
	catSim := dot(vecs[0], vecs[1])
	offTopic := dot(vecs[0], vecs[2])
	if catSim <= offTopic {
		t.Errorf("feline/cat similarity %f should beat feline/telescope %f", catSim, offTopic)
	}
}
