package playback

import "github.com/MrWong99/pushtalk/pkg/audio"

// entry wraps a clip with scheduling metadata. seq gives FIFO ordering
// within one priority level.
type entry struct {
	clip     audio.Clip
	priority int
	seq      uint64
}

// clipHeap implements [container/heap.Interface] as a max-heap ordered by
// priority (descending), with FIFO tie-breaking on seq (ascending).
type clipHeap []entry

func (h clipHeap) Len() int { return len(h) }

func (h clipHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h clipHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push is called by [container/heap.Push]; callers must not invoke it
// directly.
func (h *clipHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop is called by [container/heap.Pop]; callers must not invoke it
// directly.
func (h *clipHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
