package scheduler

import "sync"

// InstanceLocks provides per-instance mutual exclusion. Each instance
// id gets its own mutex, so concurrent completions in one workflow are
// serialized while unrelated workflows proceed in parallel.
type InstanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInstanceLocks creates an empty lock table.
func NewInstanceLocks() *InstanceLocks {
	return &InstanceLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given instance id, creating it on
// first use.
func (l *InstanceLocks) Lock(instanceID string) {
	l.mu.Lock()
	m, exists := l.locks[instanceID]
	if !exists {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	l.mu.Unlock()

	m.Lock()
}

// Unlock releases the mutex for the given instance id.
func (l *InstanceLocks) Unlock(instanceID string) {
	l.mu.Lock()
	m, exists := l.locks[instanceID]
	l.mu.Unlock()

	if exists {
		m.Unlock()
	}
}

// Do runs fn while holding the instance's lock.
func (l *InstanceLocks) Do(instanceID string, fn func()) {
	l.Lock(instanceID)
	defer l.Unlock(instanceID)
	fn()
}

// Forget drops the mutex for an archived instance. The caller must not
// hold it.
func (l *InstanceLocks) Forget(instanceID string) {
	l.mu.Lock()
	delete(l.locks, instanceID)
	l.mu.Unlock()
}
