// Package sched provides the simulation clock and the timeline: a single
// priority queue merging market events and latency-delayed strategy
// actions into one causally consistent order.
//
// Everything on the timeline is one tagged item keyed by
// (local timestamp, sequence). Keeping one heap instead of interleaving
// two queues by hand removes an entire class of ordering bugs.
package sched

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/helixquant/tickbt/internal/market"
	"github.com/helixquant/tickbt/internal/metrics"
	"github.com/helixquant/tickbt/internal/simerr"
)

// ItemKind tags a timeline item.
type ItemKind int

const (
	// KindMarketEvent is a market event due to become locally visible.
	KindMarketEvent ItemKind = iota
	// KindOrderArrival is a submitted order reaching the exchange.
	KindOrderArrival
	// KindCancelArrival is a cancel action reaching the exchange.
	KindCancelArrival
)

// Item is one timeline entry. At is the local timestamp in nanoseconds;
// Seq breaks timestamp ties deterministically. Exactly one payload field
// is meaningful per kind.
type Item struct {
	At   int64
	Seq  uint64
	Kind ItemKind

	Event   market.Event // KindMarketEvent
	OrderID uuid.UUID    // KindOrderArrival, KindCancelArrival
}

// Clock is the single monotonic cursor all components observe.
type Clock struct {
	now int64
	set bool
}

// Now returns the current local time in nanoseconds.
func (c *Clock) Now() int64 { return c.now }

// Advance moves the cursor to ts. Moving backward is a fatal invariant
// violation.
func (c *Clock) Advance(ts int64) error {
	if c.set && ts < c.now {
		return &simerr.ClockRegressionError{Current: c.now, Target: ts}
	}
	c.now = ts
	c.set = true
	return nil
}

// Timeline is the min-heap of pending items.
type Timeline struct {
	h itemHeap
	// actionSeq numbers strategy actions. It starts in a band above any
	// feed sequence so that, at an identical local timestamp, market
	// events are processed before strategy action arrivals.
	actionSeq uint64
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{actionSeq: 1 << 62}
}

// Push adds a market event item.
func (t *Timeline) Push(it Item) {
	heap.Push(&t.h, it)
	metrics.TimelineDepth.Set(float64(t.h.Len()))
}

// PushAction adds a strategy action arrival, assigning its tie-break
// sequence.
func (t *Timeline) PushAction(it Item) {
	t.actionSeq++
	it.Seq = t.actionSeq
	heap.Push(&t.h, it)
	metrics.TimelineDepth.Set(float64(t.h.Len()))
}

// Pop removes and returns the earliest item.
func (t *Timeline) Pop() (Item, bool) {
	if t.h.Len() == 0 {
		return Item{}, false
	}
	it := heap.Pop(&t.h).(Item)
	metrics.TimelineDepth.Set(float64(t.h.Len()))
	return it, true
}

// Len returns the number of pending items.
func (t *Timeline) Len() int { return t.h.Len() }

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].At != h[j].At {
		return h[i].At < h[j].At
	}
	return h[i].Seq < h[j].Seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
