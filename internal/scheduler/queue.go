package scheduler

import "container/heap"

// requestHeap orders requests by virtual time, then arrival.
// Virtual time is enqueue time plus class × aging step, so a large file
// waits at most (class × step) longer than a small one that arrived at the
// same moment, and is never starved by a stream of later small files.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if !h[i].vtime.Equal(h[j].vtime) {
		return h[i].vtime.Before(h[j].vtime)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

var _ heap.Interface = (*requestHeap)(nil)
