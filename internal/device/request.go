package device

import (
	"container/heap"
	"time"

	"insteon-go-home/internal/msg"
)

// request is one pending outbound message, keyed by name for supersede
// semantics: at most one request per logical name per device.
type request struct {
	name     string
	m        *msg.Msg
	feature  *Feature // non-nil for feature-tied requests (acks route back)
	blocking bool     // pauses the global manager after the write
	when     time.Time
	seq      uint64 // enqueue order, tiebreak for equal times
	index    int
}

// requestHeap is a min-heap on eligible-send time, full-width compare,
// FIFO among equal times.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// removeByName drops the request with the given name, if present.
func (h *requestHeap) removeByName(name string) *request {
	for _, r := range *h {
		if r.name == name {
			heap.Remove(h, r.index)
			return r
		}
	}
	return nil
}
