package index

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperjump/tansaku/internal/vector"
)

// randomUnitPoints returns a deterministic pseudo-random set of unit vectors.
func randomUnitPoints(t *testing.T, n, dim int, seed int64) []Point {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	points := make([]Point, n)
	for i := range points {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		unit, err := vector.Normalize(v)
		if err != nil {
			t.Fatal(err)
		}
		points[i] = Point{ID: uuid.New(), Vector: unit}
	}
	return points
}

func TestBallTreeEmpty(t *testing.T) {
	tree := NewBallTree(4)
	if err := tree.Build(nil); err != nil {
		t.Fatal(err)
	}
	results, err := tree.Search([]float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestBallTreeSingleLeaf(t *testing.T) {
	points := randomUnitPoints(t, 5, 4, 1)
	tree := NewBallTree(40)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}
	if !tree.root.leaf() {
		t.Error("5 points with leaf_size 40 should build a single leaf")
	}
	results, err := tree.Search(points[2].Vector, 1)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ChunkID != points[2].ID {
		t.Error("nearest neighbor of a stored point should be itself")
	}
}

func TestBallTreeIdenticalPoints(t *testing.T) {
	v := []float32{1, 0, 0}
	points := make([]Point, 10)
	for i := range points {
		points[i] = Point{ID: uuid.New(), Vector: v}
	}
	tree := NewBallTree(2)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}
	results, err := tree.Search([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// All scores tie; insertion order decides.
	for i, r := range results {
		if r.ChunkID != points[i].ID {
			t.Errorf("result %d should be insertion-order point %s, got %s", i, points[i].ID, r.ChunkID)
		}
	}
}

func TestBallTreeKLargerThanN(t *testing.T) {
	points := randomUnitPoints(t, 7, 3, 2)
	tree := NewBallTree(2)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}
	results, err := tree.Search([]float32{1, 0, 0}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 7 {
		t.Errorf("expected all 7 results, got %d", len(results))
	}
}

// The ball tree must return exactly the brute-force top-k (recall 1.0),
// with scores agreeing to 1e-6, across leaf sizes that force deep trees.
func TestBallTreeMatchesBruteForce(t *testing.T) {
	for _, leafSize := range []int{1, 2, 5, 40} {
		points := randomUnitPoints(t, 300, 8, 42)
		tree := NewBallTree(leafSize)
		if err := tree.Build(points); err != nil {
			t.Fatal(err)
		}
		flat := NewBruteForce()
		if err := flat.Build(points); err != nil {
			t.Fatal(err)
		}
		queries := randomUnitPoints(t, 20, 8, 7)
		for _, q := range queries {
			for _, k := range []int{1, 5, 17} {
				want, err := flat.Search(q.Vector, k)
				if err != nil {
					t.Fatal(err)
				}
				got, err := tree.Search(q.Vector, k)
				if err != nil {
					t.Fatal(err)
				}
				if len(got) != len(want) {
					t.Fatalf("leaf=%d k=%d: got %d results, want %d", leafSize, k, len(got), len(want))
				}
				wantIDs := make(map[uuid.UUID]float64, len(want))
				for _, r := range want {
					wantIDs[r.ChunkID] = r.Score
				}
				for _, r := range got {
					score, ok := wantIDs[r.ChunkID]
					if !ok {
						t.Errorf("leaf=%d k=%d: ball tree returned %s not in brute-force top-k", leafSize, k, r.ChunkID)
						continue
					}
					if math.Abs(score-r.Score) > 1e-6 {
						t.Errorf("leaf=%d k=%d: score %f vs %f", leafSize, k, r.Score, score)
					}
				}
			}
		}
	}
}

// Every node's bound dot(q, center) + radius must dominate the best
// similarity among its points.
func TestBallTreeBoundAdmissible(t *testing.T) {
	points := randomUnitPoints(t, 200, 6, 3)
	tree := NewBallTree(5)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}
	queries := randomUnitPoints(t, 10, 6, 4)
	for _, q := range queries {
		checkBound(t, tree.root, q.Vector)
	}
}

func checkBound(t *testing.T, node *ballNode, q []float32) {
	t.Helper()
	if node == nil {
		return
	}
	center, err := vector.Dot(q, node.center)
	if err != nil {
		t.Fatal(err)
	}
	ub := center + node.radius
	for _, p := range collectPoints(node) {
		score, err := vector.Dot(q, p.Vector)
		if err != nil {
			t.Fatal(err)
		}
		if score > ub+1e-6 {
			t.Fatalf("bound violated: point score %f > upper bound %f", score, ub)
		}
	}
	checkBound(t, node.left, q)
	checkBound(t, node.right, q)
}

func collectPoints(node *ballNode) []treePoint {
	if node == nil {
		return nil
	}
	if node.leaf() {
		return node.points
	}
	return append(collectPoints(node.left), collectPoints(node.right)...)
}

func TestBallTreeRebuildIsStable(t *testing.T) {
	points := randomUnitPoints(t, 100, 5, 9)
	q := randomUnitPoints(t, 1, 5, 10)[0].Vector

	first := NewBallTree(8)
	if err := first.Build(points); err != nil {
		t.Fatal(err)
	}
	second := NewBallTree(8)
	if err := second.Build(points); err != nil {
		t.Fatal(err)
	}
	a, err := first.Search(q, 10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := second.Search(q, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("result counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ChunkID != b[i].ChunkID {
			t.Errorf("result %d differs between identical builds", i)
		}
	}
}

func TestFactory(t *testing.T) {
	idx, err := New(KindBallTree, Options{LeafSize: 7})
	if err != nil {
		t.Fatal(err)
	}
	if tree, ok := idx.(*BallTree); !ok || tree.LeafSize() != 7 {
		t.Errorf("factory did not honor leaf size: %#v", idx)
	}
	idx, err = New(KindBruteForce, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Kind() != KindBruteForce {
		t.Errorf("factory kind = %s", idx.Kind())
	}
	if _, err := New("OCTREE", Options{}); err == nil {
		t.Error("unknown kind should fail")
	}
}
