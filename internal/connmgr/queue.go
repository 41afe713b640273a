package connmgr

import "container/heap"

// Priority mirrors the Queued message priority levels (spec.md §3);
// lower numeric value sorts first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// QueuedMessage is one outbound payload awaiting a connection.
type QueuedMessage struct {
	Priority    Priority
	MessageID   uint64
	Data        []byte
	EnqueueTime int64 // unix nanoseconds, for stable priority tie-break
	RetryCount  int
}

type queueItem struct {
	msg   QueuedMessage
	index int
}

// priorityQueue is a container/heap implementation adapted from
// prxssh-rabbit's generic pkg/utils/heap.PriorityQueue and specialized
// to QueuedMessage: ordered by Priority ascending (Critical first), tied
// broken by EnqueueTime ascending.
type priorityQueue struct {
	items []*queueItem
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(pq)
	return pq
}

func (pq priorityQueue) Len() int { return len(pq.items) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i].msg, pq.items[j].msg
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EnqueueTime < b.EnqueueTime
}

func (pq priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue) Enqueue(msg QueuedMessage) {
	heap.Push(pq, &queueItem{msg: msg})
}

func (pq *priorityQueue) Dequeue() (QueuedMessage, bool) {
	if pq.Len() == 0 {
		return QueuedMessage{}, false
	}
	item := heap.Pop(pq).(*queueItem)
	return item.msg, true
}
