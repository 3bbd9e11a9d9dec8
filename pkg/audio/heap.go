package audio

// unit is one chunk on a [Timeline], resampled to the device rate.
type unit struct {
	start   int64     // first device frame
	samples []float32 // mono, one per device frame
	frames  int64
	seq     uint64 // insertion order, ties on start

	handle *timelinePlayback
}

func (u *unit) end() int64 { return u.start + u.frames }

// unitHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame, with insertion order breaking ties.
type unitHeap []*unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by [container/heap.Push] only.
func (h *unitHeap) Push(x any) {
	*h = append(*h, x.(*unit))
}

// Pop removes and returns the last element. Called by [container/heap.Pop] only.
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return u
}
