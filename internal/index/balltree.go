package index

import (
	"container/heap"

	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/vector"
)

// BallTree organizes unit vectors in nested bounding hyperspheres and
// prunes search with the bound dot(q, x) <= dot(q, center) + radius,
// which holds for any x inside the ball around center.
//
// The tree is immutable after Build; re-indexing replaces it wholesale.
type BallTree struct {
	leafSize  int
	root      *ballNode
	count     int
	dimension int
	builtAtMs int64
}

// ballNode is one hypersphere. Internal nodes carry two children; leaves
// carry the points themselves.
type ballNode struct {
	center []float32
	radius float64
	left   *ballNode
	right  *ballNode
	points []treePoint
}

// treePoint pairs a point with its position in the build input, used for
// tie-breaking across leaves.
type treePoint struct {
	Point
	seq int
}

func (n *ballNode) leaf() bool {
	return n.left == nil && n.right == nil
}

// NewBallTree returns an unbuilt ball tree with the given leaf capacity.
func NewBallTree(leafSize int) *BallTree {
	if leafSize <= 0 {
		leafSize = DefaultLeafSize
	}
	return &BallTree{leafSize: leafSize}
}

// Build constructs the tree. All vectors must share one dimension.
// An empty point set builds an empty tree; searching it returns nothing.
func (t *BallTree) Build(points []Point) error {
	dim, err := checkUniform(points)
	if err != nil {
		return err
	}
	t.dimension = dim
	t.count = len(points)
	t.builtAtMs = nowMs()
	if len(points) == 0 {
		t.root = nil
		return nil
	}
	pts := make([]treePoint, len(points))
	for i, p := range points {
		pts[i] = treePoint{Point: p, seq: i}
	}
	root, err := t.buildNode(pts)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *BallTree) buildNode(pts []treePoint) (*ballNode, error) {
	vecs := make([][]float32, len(pts))
	for i, p := range pts {
		vecs[i] = p.Vector
	}
	center, err := vector.Centroid(vecs)
	if err != nil {
		return nil, err
	}
	radius, err := vector.Radius(center, vecs)
	if err != nil {
		return nil, err
	}
	node := &ballNode{center: center, radius: radius}
	if len(pts) <= t.leafSize {
		node.points = pts
		return node, nil
	}

	left, right, err := t.partition(pts, vecs)
	if err != nil {
		return nil, err
	}
	if left == nil {
		// Degenerate split, keep everything in one leaf.
		node.points = pts
		return node, nil
	}
	if node.left, err = t.buildNode(left); err != nil {
		return nil, err
	}
	if node.right, err = t.buildNode(right); err != nil {
		return nil, err
	}
	return node, nil
}

// partition splits pts between the two seeds of a furthest pair, each point
// going to the closer seed with ties to the first. When every point lands on
// one side, the point furthest from that side's seed is moved across; a
// split that stays one-sided returns (nil, nil) and the caller emits a leaf.
func (t *BallTree) partition(pts []treePoint, vecs [][]float32) (left, right []treePoint, err error) {
	ai, bi, err := vector.FurthestPairSeed(vecs)
	if err != nil {
		return nil, nil, err
	}
	seedA, seedB := vecs[ai], vecs[bi]
	for _, p := range pts {
		da, err := vector.Euclid(p.Vector, seedA)
		if err != nil {
			return nil, nil, err
		}
		db, err := vector.Euclid(p.Vector, seedB)
		if err != nil {
			return nil, nil, err
		}
		if da <= db {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) > 0 && len(right) > 0 {
		return left, right, nil
	}
	if len(right) == 0 {
		left, right, err = t.rebalance(left, seedA)
	} else {
		right, left, err = t.rebalance(right, seedB)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, nil, nil
	}
	return left, right, nil
}

// rebalance moves the point furthest from seed out of full into a new side.
// When all points coincide with the seed there is nothing to move.
func (t *BallTree) rebalance(full []treePoint, seed []float32) (remaining, moved []treePoint, err error) {
	furthest, furthestDist := -1, 0.0
	for i, p := range full {
		d, err := vector.Euclid(p.Vector, seed)
		if err != nil {
			return nil, nil, err
		}
		if d > furthestDist {
			furthest, furthestDist = i, d
		}
	}
	if furthest < 0 {
		return full, nil, nil
	}
	moved = []treePoint{full[furthest]}
	remaining = append(full[:furthest:furthest], full[furthest+1:]...)
	return remaining, moved, nil
}

// Search returns the top-k points by cosine similarity using best-first
// traversal. Nodes are visited in order of their similarity upper bound
// dot(q, center) + radius; traversal stops once no node can beat the
// current k-th best score.
func (t *BallTree) Search(query []float32, k int) ([]Result, error) {
	if k <= 0 || t.root == nil {
		return nil, nil
	}
	q, err := vector.Normalize(query)
	if err != nil {
		return nil, err
	}
	if len(q) != t.dimension {
		return nil, apperr.New(apperr.KindDimMismatch,
			"query dimension %d, index dimension %d", len(q), t.dimension)
	}

	best := newTopK(k)
	queue := &nodeQueue{}
	if err := pushNode(queue, q, t.root); err != nil {
		return nil, err
	}
	for queue.Len() > 0 {
		entry := heap.Pop(queue).(nodeEntry)
		if best.full() && entry.upperBound <= best.minScore() {
			break
		}
		node := entry.node
		if node.leaf() {
			for _, p := range node.points {
				score, err := vector.Dot(q, p.Vector)
				if err != nil {
					return nil, err
				}
				best.offer(p.ID, score, p.seq)
			}
			continue
		}
		if err := pushNode(queue, q, node.left); err != nil {
			return nil, err
		}
		if err := pushNode(queue, q, node.right); err != nil {
			return nil, err
		}
	}
	return best.results(), nil
}

// Stats describes the built index.
func (t *BallTree) Stats() Stats {
	return Stats{
		Kind:        KindBallTree,
		VectorCount: t.count,
		Dimension:   t.dimension,
		BuiltAtMs:   t.builtAtMs,
	}
}

// Kind returns KindBallTree.
func (t *BallTree) Kind() Kind {
	return KindBallTree
}

// LeafSize returns the leaf capacity the tree was built with.
func (t *BallTree) LeafSize() int {
	return t.leafSize
}

func pushNode(queue *nodeQueue, q []float32, node *ballNode) error {
	dot, err := vector.Dot(q, node.center)
	if err != nil {
		return err
	}
	heap.Push(queue, nodeEntry{node: node, upperBound: dot + node.radius})
	return nil
}

// nodeQueue is a max-heap of nodes by similarity upper bound.
type nodeQueue []nodeEntry

type nodeEntry struct {
	node       *ballNode
	upperBound float64
}

func (q nodeQueue) Len() int { return len(q) }

func (q nodeQueue) Less(i, j int) bool { return q[i].upperBound > q[j].upperBound }

func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *nodeQueue) Push(x any) { *q = append(*q, x.(nodeEntry)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
