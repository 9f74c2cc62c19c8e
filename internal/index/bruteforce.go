package index

import (
	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/vector"
)

// BruteForce scores the query against every stored vector.
// Exact by construction and the baseline the ball tree must agree with.
type BruteForce struct {
	points    []Point
	dimension int
	builtAtMs int64
}

// NewBruteForce returns an unbuilt brute-force indexer.
func NewBruteForce() *BruteForce {
	return &BruteForce{}
}

// Build copies the points in. All vectors must share one dimension.
func (b *BruteForce) Build(points []Point) error {
	dim, err := checkUniform(points)
	if err != nil {
		return err
	}
	b.points = make([]Point, len(points))
	copy(b.points, points)
	b.dimension = dim
	b.builtAtMs = nowMs()
	return nil
}

// Search returns the top-k points by cosine similarity to query.
// The query is normalized here; k larger than the index returns everything.
func (b *BruteForce) Search(query []float32, k int) ([]Result, error) {
	if k <= 0 || len(b.points) == 0 {
		return nil, nil
	}
	q, err := vector.Normalize(query)
	if err != nil {
		return nil, err
	}
	if len(q) != b.dimension {
		return nil, apperr.New(apperr.KindDimMismatch,
			"query dimension %d, index dimension %d", len(q), b.dimension)
	}
	best := newTopK(k)
	for i, p := range b.points {
		score, err := vector.Dot(q, p.Vector)
		if err != nil {
			return nil, err
		}
		best.offer(p.ID, score, i)
	}
	return best.results(), nil
}

// Stats describes the built index.
func (b *BruteForce) Stats() Stats {
	return Stats{
		Kind:        KindBruteForce,
		VectorCount: len(b.points),
		Dimension:   b.dimension,
		BuiltAtMs:   b.builtAtMs,
	}
}

// Kind returns KindBruteForce.
func (b *BruteForce) Kind() Kind {
	return KindBruteForce
}
