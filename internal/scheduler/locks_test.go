package scheduler

import (
	"sync"
	"testing"
	"time"
)

// TestInstanceLocksSerialize tests that one instance's lock serializes
// its critical sections while other instances stay independent.
func TestInstanceLocksSerialize(t *testing.T) {
	locks := NewInstanceLocks()

	const n = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Do("wf-1", func() {
				counter++
			})
		}()
	}
	wg.Wait()

	if counter != n {
		t.Errorf("counter = %d, want %d", counter, n)
	}
}

// TestInstanceLocksIndependent tests that a held lock on one instance
// does not block another instance.
func TestInstanceLocksIndependent(t *testing.T) {
	locks := NewInstanceLocks()
	locks.Lock("wf-1")
	defer locks.Unlock("wf-1")

	done := make(chan struct{})
	go func() {
		locks.Do("wf-2", func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on wf-2 blocked behind wf-1")
	}
}

// TestInstanceLocksForget tests dropping an archived instance's lock.
func TestInstanceLocksForget(t *testing.T) {
	locks := NewInstanceLocks()
	locks.Do("wf-1", func() {})
	locks.Forget("wf-1")

	// Lock after Forget builds a fresh mutex rather than panicking.
	locks.Do("wf-1", func() {})
}
