package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// TaskQueue is the in-memory queue of pending task requests shared by the worker pool.
// Take blocks until a request is available; every method is safe for concurrent use.
type TaskQueue struct {
	pq     PriorityQueue
	notify chan struct{} // Closed and replaced on every Put
	closed bool

	id string
	ls types.Listener
	mu sync.Mutex
}

// NewTaskQueue creates a queue. id is the process id reported to the listener.
func NewTaskQueue(id string, ls types.Listener) *TaskQueue {
	pq := make(PriorityQueue, 0)
	heap.Init(&pq)
	return &TaskQueue{
		pq:     pq,
		notify: make(chan struct{}),
		id:     id,
		ls:     ls,
	}
}

// Put adds a request and wakes up blocked takers
func (q *TaskQueue) Put(req *bus.TaskRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return enum.ErrQueueClosed
	}
	heap.Push(&q.pq, NewItem(req))
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()

	q.ls.OnTaskQueued(types.ListenerEvent{ProcessId: q.id, TaskId: req.TaskId, InstanceNodeId: req.InstanceNodeId})
	return nil
}

// Take removes and returns the first request, blocking until one is available, ctx is done
// or the queue is closed
func (q *TaskQueue) Take(ctx context.Context) (*bus.TaskRequest, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, enum.ErrQueueClosed
		}
		if q.pq.Len() > 0 {
			it := heap.Pop(&q.pq).(*Item)
			q.mu.Unlock()
			return it.req, nil
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek returns the first request without removing it, nil when empty
func (q *TaskQueue) Peek() *bus.TaskRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return nil
	}
	return q.pq[0].req
}

// RemoveIf removes every request matching pred. The removal is atomic with respect to Take,
// a removed request is never handed to a taker.
func (q *TaskQueue) RemoveIf(pred func(req *bus.TaskRequest) bool) []*bus.TaskRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := make([]*bus.TaskRequest, 0)
	kept := make(PriorityQueue, 0, len(q.pq))
	for _, it := range q.pq {
		if pred(it.req) {
			removed = append(removed, it.req)
		} else {
			it.index = len(kept)
			kept = append(kept, it)
		}
	}
	if len(removed) > 0 {
		heap.Init(&kept)
		q.pq = kept
	}
	return removed
}

// RemoveTasks removes the requests of the given task ids
func (q *TaskQueue) RemoveTasks(ids []int64) []*bus.TaskRequest {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return q.RemoveIf(func(req *bus.TaskRequest) bool {
		return set[req.TaskId]
	})
}

// Clear removes every request
func (q *TaskQueue) Clear() []*bus.TaskRequest {
	return q.RemoveIf(func(*bus.TaskRequest) bool { return true })
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Items returns the pending requests in take order
func (q *TaskQueue) Items() []*bus.TaskRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.sorted()
}

// Close wakes up every taker with ErrQueueClosed, further puts are rejected
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
