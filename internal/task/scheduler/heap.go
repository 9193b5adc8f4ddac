package scheduler

import (
	"container/heap"
	"time"
)

// timerItem is one pending deadline. fire is called on the timer goroutine
// and must only hand work off, never run it.
type timerItem struct {
	at    time.Time
	seq   uint64
	fire  func()
	index int
}

// timerHeap orders by deadline, then insertion order.
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// popDue removes and returns every item due at or before now.
func (h *timerHeap) popDue(now time.Time) []*timerItem {
	var due []*timerItem
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		due = append(due, heap.Pop(h).(*timerItem))
	}
	return due
}

// remove drops it if it is still queued.
func (h *timerHeap) remove(it *timerItem) bool {
	if it == nil || it.index < 0 || it.index >= h.Len() || (*h)[it.index] != it {
		return false
	}
	heap.Remove(h, it.index)
	return true
}
