package queue

import "container/heap"

// taskHeap orders PENDING tasks by effective priority (descending),
// breaking ties by creation order (FIFO), per spec §4.6 "Priority
// ordering with FIFO tiebreak". Grounded on the container/heap
// priority-queue shape used for download scheduling in the wider
// example pack.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].EffectivePriority != h[j].EffectivePriority {
		return h[i].EffectivePriority > h[j].EffectivePriority
	}
	return h[i].CreatedMono.Before(h[j].CreatedMono)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
