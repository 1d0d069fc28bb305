package client

import "container/heap"

// idPool allocates small integer identifiers (fids or tags) on a
// smallest-reclaimed-first basis: Put always makes its argument the
// next value Get returns if it's smaller than every other free id,
// rather than simply appending to a free list. This matters because a
// long-lived session that walks and clunks fids in bursts should
// reuse the lowest available numbers instead of letting the
// high-water mark climb forever.
type idPool struct {
	next uint32 // smallest id never yet issued
	free minHeap
	max  uint32 // exclusive upper bound (NoFid for fids, NoTag for tags); 0 means unbounded
}

func newIDPool(max uint32) *idPool {
	return &idPool{max: max}
}

// Get returns the smallest available id, or ok=false if the pool is
// exhausted (only possible when max > 0).
func (p *idPool) Get() (id uint32, ok bool) {
	if len(p.free) > 0 {
		return heap.Pop(&p.free).(uint32), true
	}
	if p.max != 0 && p.next >= p.max {
		return 0, false
	}
	id = p.next
	p.next++
	return id, true
}

// Put returns id to the pool for reuse.
func (p *idPool) Put(id uint32) {
	heap.Push(&p.free, id)
}

type minHeap []uint32

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
