// Package vector provides dense float32 vector math for the indexers.
package vector

import (
	"math"

	"github.com/hyperjump/tansaku/internal/apperr"
)

// Normalize returns a unit-length copy of v.
// Zero vectors cannot be normalized and fail with BadVector.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, apperr.New(apperr.KindBadVector, "cannot normalize zero vector of dimension %d", len(v))
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, nil
}

// Dot returns the inner product of a and b.
// For unit vectors this equals cosine similarity.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperr.New(apperr.KindDimMismatch, "dot: dimensions %d and %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Euclid returns the Euclidean distance between a and b.
func Euclid(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperr.New(apperr.KindDimMismatch, "euclid: dimensions %d and %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Centroid returns the arithmetic mean of the points.
// The result is not re-normalized; ball-tree centers live in the ambient space.
// All points must share one dimension; the set must be non-empty.
func Centroid(points [][]float32) ([]float32, error) {
	if len(points) == 0 {
		return nil, apperr.New(apperr.KindBadVector, "centroid of empty point set")
	}
	dim := len(points[0])
	acc := make([]float64, dim)
	for _, p := range points {
		if len(p) != dim {
			return nil, apperr.New(apperr.KindDimMismatch, "centroid: dimensions %d and %d", dim, len(p))
		}
		for i, x := range p {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(points))
	for i, x := range acc {
		out[i] = float32(x / n)
	}
	return out, nil
}

// Radius returns the maximum Euclidean distance from center to any point.
// Returns 0 for an empty set.
func Radius(center []float32, points [][]float32) (float64, error) {
	var max float64
	for _, p := range points {
		d, err := Euclid(center, p)
		if err != nil {
			return 0, err
		}
		if d > max {
			max = d
		}
	}
	return max, nil
}

// FurthestPairSeed returns indices (i, j) of a well-separated pair: starting
// from points[0], i is the point furthest from it and j the point furthest
// from i. Deterministic given input ordering; earlier index wins ties.
func FurthestPairSeed(points [][]float32) (int, int, error) {
	if len(points) == 0 {
		return 0, 0, apperr.New(apperr.KindBadVector, "furthest pair of empty point set")
	}
	i, err := furthestFrom(points[0], points)
	if err != nil {
		return 0, 0, err
	}
	j, err := furthestFrom(points[i], points)
	if err != nil {
		return 0, 0, err
	}
	return i, j, nil
}

func furthestFrom(from []float32, points [][]float32) (int, error) {
	best, bestDist := 0, -1.0
	for idx, p := range points {
		d, err := Euclid(from, p)
		if err != nil {
			return 0, err
		}
		if d > bestDist {
			best, bestDist = idx, d
		}
	}
	return best, nil
}
