// Package queue implements the priority-ordered holding area for READY
// tasks. Ordering is highest priority first, FIFO within a priority, so
// equal-priority tasks never starve each other.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// ClaimFunc atomically transitions a popped task to RUNNING on behalf
// of a worker and returns a clone for execution. ok=false means the
// task moved since it was enqueued (cancelled, or its instance paused)
// and the entry is discarded.
type ClaimFunc func(taskID, instanceID, workerID string) (*task.Task, bool)

// Entry is the queued representation of a task. The queue never holds
// task state itself, only scheduling metadata.
type Entry struct {
	TaskID     string
	InstanceID string
	Priority   int
	EnqueuedAt time.Time

	seq   uint64
	index int
}

// Queue is a thread-safe priority queue with a blocking, cancellable
// dequeue. A task id appears at most once, counting entries parked
// under a paused instance.
type Queue struct {
	claim ClaimFunc

	mu     sync.Mutex
	heap   entryHeap
	ids    map[string]*Entry
	held   map[string][]*Entry
	paused map[string]bool
	seq    uint64
	closed bool

	// notify is closed and replaced on every push, waking all blocked
	// Dequeue calls to re-check the heap.
	notify chan struct{}
}

// New creates an empty queue. The claim function is invoked by Dequeue
// once an entry is popped; it owns the READY -> RUNNING transition.
func New(claim ClaimFunc) *Queue {
	return &Queue{
		claim:  claim,
		ids:    make(map[string]*Entry),
		held:   make(map[string][]*Entry),
		paused: make(map[string]bool),
		notify: make(chan struct{}),
	}
}

// Enqueue adds a READY task. Enqueueing an id already present is a
// no-op returning false, which makes re-enqueue races harmless. Tasks
// of a paused instance are parked and surface again on Release.
func (q *Queue) Enqueue(t *task.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, dup := q.ids[t.ID]; dup {
		return false
	}

	q.seq++
	e := &Entry{
		TaskID:     t.ID,
		InstanceID: t.InstanceID,
		Priority:   t.Priority,
		EnqueuedAt: time.Now(),
		seq:        q.seq,
	}
	q.ids[t.ID] = e

	if q.paused[t.InstanceID] {
		q.held[t.InstanceID] = append(q.held[t.InstanceID], e)
		return true
	}
	heap.Push(&q.heap, e)
	q.broadcast()
	return true
}

// Dequeue blocks until it can hand the worker a claimed RUNNING task,
// the context is cancelled, or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*task.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.heap.Len() > 0 {
			e := heap.Pop(&q.heap).(*Entry)
			delete(q.ids, e.TaskID)
			q.mu.Unlock()

			// Claim runs outside the queue lock; it takes the graph
			// lock and the two never nest the other way.
			if t, ok := q.claim(e.TaskID, e.InstanceID, workerID); ok {
				return t, nil
			}
			continue
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Peek returns the entry that Dequeue would pop next.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return Entry{}, false
	}
	return *q.heap[0], true
}

// Len reports the number of claimable entries, excluding parked ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Hold parks every queued entry of the instance and routes future
// enqueues for it into the parked set. Idempotent.
func (q *Queue) Hold(instanceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused[instanceID] = true
	moved := 0
	for i := 0; i < q.heap.Len(); {
		if q.heap[i].InstanceID == instanceID {
			e := heap.Remove(&q.heap, i).(*Entry)
			q.held[instanceID] = append(q.held[instanceID], e)
			moved++
			continue
		}
		i++
	}
	return moved
}

// Release returns an instance's parked entries to the claimable heap.
// No-op if the instance is not held.
func (q *Queue) Release(instanceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused[instanceID] {
		return 0
	}
	delete(q.paused, instanceID)
	entries := q.held[instanceID]
	delete(q.held, instanceID)
	for _, e := range entries {
		heap.Push(&q.heap, e)
	}
	if len(entries) > 0 {
		q.broadcast()
	}
	return len(entries)
}

// Remove drops every entry belonging to the instance, parked entries
// included, and returns the removed task ids.
func (q *Queue) Remove(instanceID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []string
	for i := 0; i < q.heap.Len(); {
		if q.heap[i].InstanceID == instanceID {
			e := heap.Remove(&q.heap, i).(*Entry)
			delete(q.ids, e.TaskID)
			removed = append(removed, e.TaskID)
			continue
		}
		i++
	}
	for _, e := range q.held[instanceID] {
		delete(q.ids, e.TaskID)
		removed = append(removed, e.TaskID)
	}
	delete(q.held, instanceID)
	delete(q.paused, instanceID)
	return removed
}

// Close wakes all blocked Dequeue calls. Subsequent Enqueues are
// rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// entryHeap orders by priority descending, then arrival order within a
// priority.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
