// Package index provides nearest-neighbor indexers over unit-normalized
// embeddings and a factory for creating them by kind.
package index

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/tansaku/internal/apperr"
)

// Kind identifies an indexer implementation.
type Kind string

const (
	// KindBruteForce scans every vector linearly. Exact, O(n) per query.
	KindBruteForce Kind = "BRUTE_FORCE"
	// KindBallTree prunes the scan with nested bounding hyperspheres.
	KindBallTree Kind = "BALL_TREE"
)

// DefaultLeafSize is the ball-tree leaf capacity when none is requested.
const DefaultLeafSize = 40

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindBruteForce:
		return KindBruteForce, nil
	case KindBallTree:
		return KindBallTree, nil
	default:
		return "", apperr.New(apperr.KindValidation, "unknown indexer type %q (supported: BRUTE_FORCE, BALL_TREE)", s)
	}
}

// Point is a chunk embedding with its identity. Vectors handed to Build
// must be unit-normalized; the indexers rely on it for pruning.
type Point struct {
	ID     uuid.UUID
	Vector []float32
}

// Result is a single search hit scored by cosine similarity.
type Result struct {
	ChunkID uuid.UUID
	Score   float64
}

// Stats describes a built index for observability.
type Stats struct {
	Kind        Kind  `json:"kind"`
	VectorCount int   `json:"vector_count"`
	Dimension   int   `json:"dimension"`
	BuiltAtMs   int64 `json:"built_at_epoch_ms"`
}

// Indexer is the uniform contract all index implementations satisfy.
// An Indexer is built once and immutable afterwards; re-indexing replaces
// it wholesale.
type Indexer interface {
	Build(points []Point) error
	Search(query []float32, k int) ([]Result, error)
	Stats() Stats
	Kind() Kind
}

// Options carries optional per-kind build parameters.
type Options struct {
	LeafSize int
}

// New creates an indexer of the given kind.
func New(kind Kind, opts Options) (Indexer, error) {
	switch kind {
	case KindBruteForce:
		return NewBruteForce(), nil
	case KindBallTree:
		leaf := opts.LeafSize
		if leaf <= 0 {
			leaf = DefaultLeafSize
		}
		return NewBallTree(leaf), nil
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown indexer kind %q", string(kind))
	}
}

// checkUniform verifies all points share one dimension and returns it.
// Returns 0 for an empty point set.
func checkUniform(points []Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	dim := len(points[0].Vector)
	for _, p := range points {
		if len(p.Vector) != dim {
			return 0, apperr.New(apperr.KindDimMismatch,
				"chunk %s has dimension %d, library uses %d", p.ID, len(p.Vector), dim)
		}
	}
	return dim, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
