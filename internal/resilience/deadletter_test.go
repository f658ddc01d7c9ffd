package resilience

import (
	"testing"

	"github.com/aristath/conductor/internal/task"
)

// TestDeadLetterQueue tests add, lookup, ordering, and removal.
func TestDeadLetterQueue(t *testing.T) {
	dlq := NewDeadLetterQueue()

	history := []task.FailureRecord{
		{TaskID: "A", Attempt: 1, Class: task.ClassTransient, Detail: "flaky"},
		{TaskID: "A", Attempt: 2, Class: task.ClassTransient, Detail: "flaky again"},
	}
	dlq.Add(&task.Task{ID: "A", State: task.StateDeadLettered}, history, "retry budget exhausted")
	dlq.Add(&task.Task{ID: "B", State: task.StateDeadLettered}, nil, "permanent failure")

	if dlq.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", dlq.Len())
	}

	e, ok := dlq.Get("A")
	if !ok {
		t.Fatal("Get(A) not found")
	}
	if len(e.History) != 2 || e.Reason != "retry budget exhausted" {
		t.Errorf("entry = %+v, want 2 history records and the exhaustion reason", e)
	}

	list := dlq.List()
	if len(list) != 2 || list[0].Task.ID != "A" || list[1].Task.ID != "B" {
		t.Errorf("List() order = %v, want [A B]", []string{list[0].Task.ID, list[1].Task.ID})
	}

	if !dlq.Remove("A") {
		t.Error("Remove(A) = false, want true")
	}
	if dlq.Remove("A") {
		t.Error("second Remove(A) = true, want false")
	}
	if _, ok := dlq.Get("A"); ok {
		t.Error("Get(A) found after Remove")
	}
	if dlq.Len() != 1 {
		t.Errorf("Len() = %d after Remove, want 1", dlq.Len())
	}
}

// TestDeadLetterReplace tests that re-adding a replayed task keeps one
// entry with the newer history.
func TestDeadLetterReplace(t *testing.T) {
	dlq := NewDeadLetterQueue()

	dlq.Add(&task.Task{ID: "A"}, []task.FailureRecord{{Attempt: 1}}, "first retirement")
	dlq.Add(&task.Task{ID: "A"}, []task.FailureRecord{{Attempt: 1}, {Attempt: 2}}, "second retirement")

	if dlq.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", dlq.Len())
	}
	e, _ := dlq.Get("A")
	if len(e.History) != 2 || e.Reason != "second retirement" {
		t.Errorf("entry = %+v, want replaced history and reason", e)
	}
}

// TestDeadLetterIsolation tests that stored entries are detached from
// caller memory.
func TestDeadLetterIsolation(t *testing.T) {
	dlq := NewDeadLetterQueue()

	tk := &task.Task{ID: "A", LastError: "original"}
	dlq.Add(tk, nil, "r")
	tk.LastError = "mutated"

	e, _ := dlq.Get("A")
	if e.Task.LastError != "original" {
		t.Error("DLQ entry shares memory with the caller's task")
	}

	e.Task.LastError = "mutated again"
	e2, _ := dlq.Get("A")
	if e2.Task.LastError != "original" {
		t.Error("DLQ Get() exposes internal state to mutation")
	}
}
