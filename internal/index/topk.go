package index

import (
	"container/heap"
	"sort"

	"github.com/google/uuid"
)

// topK keeps the k highest-scoring candidates in a bounded min-heap.
// Ties are broken by seq, the order points entered the index: a lower
// seq outranks a higher one with the same score.
type topK struct {
	k     int
	items candidateHeap
}

type candidate struct {
	id    uuid.UUID
	score float64
	seq   int
}

func newTopK(k int) *topK {
	return &topK{k: k}
}

// offer considers a candidate for the result set.
func (t *topK) offer(id uuid.UUID, score float64, seq int) {
	if t.items.Len() < t.k {
		heap.Push(&t.items, candidate{id: id, score: score, seq: seq})
		return
	}
	min := t.items[0]
	if score < min.score || (score == min.score && seq > min.seq) {
		return
	}
	t.items[0] = candidate{id: id, score: score, seq: seq}
	heap.Fix(&t.items, 0)
}

// full reports whether k candidates are held.
func (t *topK) full() bool {
	return t.items.Len() >= t.k
}

// minScore returns the lowest retained score; callers must check full first.
func (t *topK) minScore() float64 {
	return t.items[0].score
}

// results returns the candidates sorted by score descending, ties by seq.
func (t *topK) results() []Result {
	sorted := make([]candidate, len(t.items))
	copy(sorted, t.items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].seq < sorted[j].seq
	})
	out := make([]Result, len(sorted))
	for i, c := range sorted {
		out[i] = Result{ChunkID: c.id, Score: c.score}
	}
	return out
}

// candidateHeap is a min-heap by score; among equal scores the higher seq
// sits on top so it is evicted first.
type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq > h[j].seq
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
