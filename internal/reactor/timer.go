package reactor

import "time"

type timerEntry struct {
	deadline  time.Time
	fn        func()
	cancelled bool
}

// timerHeap is a container/heap.Interface ordering timerEntry by deadline.
// A plain slice is enough here: spec.md's only timer user is tmpfs
// expiration (internal/tmpfsmgr), so the live set stays tiny.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
