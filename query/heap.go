package query

import (
	"container/heap"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
)

// candidate is one not-yet-queried peer known to a path, ordered by its
// XOR distance to the query target. container/heap is the idiomatic
// stdlib min-heap; no third-party ordered-priority-queue library is
// present anywhere in the retrieved pack, so this one concern is built
// on the standard library (see DESIGN.md).
type candidate struct {
	id   peer.ID
	dist kad.ID
}

type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	return kad.Compare(h[i].dist, h[j].dist) < 0
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *candidateHeap) push(c candidate) { heap.Push(h, c) }
func (h *candidateHeap) pop() candidate   { return heap.Pop(h).(candidate) }
func (h candidateHeap) peek() candidate   { return h[0] }
