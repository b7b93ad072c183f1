package scheduler

import (
	"container/heap"
	"sort"

	"github.com/vk/gridforge/internal/dag"
)

// Item is a ready group waiting for workers. Members may be a subset of the
// group when some members already finished.
type Item struct {
	Group    dag.GroupID
	Members  []dag.ExecutionID
	Priority int
	Seq      uint64
}

// before orders by priority (higher first), then by readiness order.
func (a *Item) before(b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of ready groups.
type Queue struct {
	items itemHeap
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues a group with a fresh sequence number and returns its item.
func (q *Queue) Push(g dag.GroupID, members []dag.ExecutionID, priority int) *Item {
	q.seq++
	it := &Item{Group: g, Members: members, Priority: priority, Seq: q.seq}
	heap.Push(&q.items, it)
	return it
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns the queued items in dispatch order without removing them.
func (q *Queue) Items() []*Item {
	out := append([]*Item{}, q.items...)
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// Remove drops the item of group g, if queued.
func (q *Queue) Remove(g dag.GroupID) bool {
	for i, it := range q.items {
		if it.Group == g {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Clear empties the queue and returns what it held.
func (q *Queue) Clear() []*Item {
	out := q.Items()
	q.items = nil
	return out
}
