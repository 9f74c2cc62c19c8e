package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Mock is a deterministic embedder for tests. Each token maps to a fixed
// pseudo-random axis and a text embeds to the normalized sum of its token
// axes, so texts sharing tokens are similar. An optional synonym table
// folds related tokens onto one axis.
type Mock struct {
	dimensions int
	synonyms   map[string]string
}

// NewMock returns a mock embedder producing vectors of the given dimension.
func NewMock(dimensions int) *Mock {
	return NewMockWithSynonyms(dimensions, nil)
}

// NewMockWithSynonyms returns a mock embedder that canonicalizes tokens
// through the given table before hashing (e.g. feline -> cat).
func NewMockWithSynonyms(dimensions int, synonyms map[string]string) *Mock {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &Mock{dimensions: dimensions, synonyms: synonyms}
}

// EmbedBatch embeds each text deterministically.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.embed(text)
	}
	return out, nil
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}

func (m *Mock) embed(text string) []float32 {
	acc := make([]float64, m.dimensions)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		tok = singular(tok)
		if canonical, ok := m.synonyms[tok]; ok {
			tok = canonical
		}
		for i := 0; i < m.dimensions; i++ {
			acc[i] += axisComponent(tok, i)
		}
	}
	out := make([]float32, m.dimensions)
	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	if sum == 0 {
		out[0] = 1
		return out
	}
	inv := 1.0 / math.Sqrt(sum)
	for i, v := range acc {
		out[i] = float32(v * inv)
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// singular strips a plural -s so "cats" and "cat" share an axis.
func singular(tok string) string {
	if len(tok) > 3 && strings.HasSuffix(tok, "s") {
		return tok[:len(tok)-1]
	}
	return tok
}

// axisComponent hashes (token, component) into [-1, 1] so each token gets
// its own stable pseudo-random axis.
func axisComponent(tok string, i int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tok))
	_, _ = h.Write([]byte{'|', byte(i), byte(i >> 8)})
	return float64(h.Sum64()%2001)/1000.0 - 1.0
}
