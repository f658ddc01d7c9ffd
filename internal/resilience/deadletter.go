package resilience

import (
	"sync"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// DeadLetter is one retired task with its full failure history.
type DeadLetter struct {
	Task    *task.Task           `json:"task"`
	History []task.FailureRecord `json:"history"`
	Reason  string               `json:"reason"`
	At      time.Time            `json:"at"`
}

// DeadLetterQueue holds tasks that exhausted their retry budget or
// failed permanently. Entries are never retried automatically; they sit
// here until an operator replays or discards them.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetter
	order   []string
}

// NewDeadLetterQueue creates an empty DLQ.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{entries: make(map[string]*DeadLetter)}
}

// Add records a retired task. Re-adding the same task id after a
// replay failed again replaces the entry with the longer history.
func (d *DeadLetterQueue) Add(t *task.Task, history []task.FailureRecord, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.entries[t.ID]; !seen {
		d.order = append(d.order, t.ID)
	}
	d.entries[t.ID] = &DeadLetter{
		Task:    t.Clone(),
		History: append([]task.FailureRecord(nil), history...),
		Reason:  reason,
		At:      time.Now(),
	}
}

// Get returns the entry for a task id.
func (d *DeadLetterQueue) Get(taskID string) (*DeadLetter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[taskID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// List returns all entries in dead-letter order.
func (d *DeadLetterQueue) List() []*DeadLetter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DeadLetter, 0, len(d.entries))
	for _, id := range d.order {
		if e, ok := d.entries[id]; ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Remove deletes an entry, typically because it was replayed.
func (d *DeadLetterQueue) Remove(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[taskID]; !ok {
		return false
	}
	delete(d.entries, taskID)
	for i, id := range d.order {
		if id == taskID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Len reports the number of dead-lettered tasks.
func (d *DeadLetterQueue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (e *DeadLetter) clone() *DeadLetter {
	return &DeadLetter{
		Task:    e.Task.Clone(),
		History: append([]task.FailureRecord(nil), e.History...),
		Reason:  e.Reason,
		At:      e.At,
	}
}
