// Package playback provides the scheduler that owns the playback timeline:
// it binds inbound audio chunks to absolute start offsets, plays them
// gapless and strictly time-ordered through an [audio.Sink], and cancels
// everything instantly on interruption.
package playback

import "time"

// unit is one validated chunk bound to an absolute start offset on the
// playback timeline. Units live in the scheduler's heap until played or
// flushed by an interrupt. The seq field provides FIFO ordering for units
// that share a start offset.
type unit struct {
	start time.Duration
	dur   time.Duration
	data  []byte
	rate  int
	turn  string
	seq   uint64 // monotonic insertion order for FIFO tie-breaking
}

// unitHeap implements [container/heap.Interface] as a min-heap ordered by
// start offset (ascending), with FIFO tie-breaking on seq.
type unitHeap []unit

func (h unitHeap) Len() int { return len(h) }

// Less reports whether element i should be played before element j.
// Earlier start wins; equal starts fall back to insertion order.
func (h unitHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *unitHeap) Push(x any) {
	*h = append(*h, x.(unit))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	*h = old[:n-1]
	return u
}
