package queue

import (
	"container/heap"

	"github.com/mykube-run/sluice/pkg/bus"
)

// Item is an element of PriorityQueue
type Item struct {
	req   *bus.TaskRequest
	index int // Maintained by heap.Interface methods
}

func NewItem(req *bus.TaskRequest) *Item {
	return &Item{req: req}
}

func (it *Item) Value() *bus.TaskRequest {
	return it.req
}

// PriorityQueue implements heap.Interface, ordered by bus.TaskRequest.Less
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].req.Less(pq[j].req)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*Item)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// sorted returns the requests in pop order without modifying pq
func (pq PriorityQueue) sorted() []*bus.TaskRequest {
	cp := make(PriorityQueue, len(pq))
	for i, it := range pq {
		cp[i] = &Item{req: it.req, index: i}
	}
	out := make([]*bus.TaskRequest, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*Item).req)
	}
	return out
}
