package task

import "fmt"

// State is the task lifecycle state.
//
//	PENDING → READY → RUNNING → COMPLETED
//	                          ↘ FAILED → RETRYING → READY
//	                                   ↘ DEAD_LETTERED
//
// PENDING, READY, and RETRYING may also move to CANCELLED. DEAD_LETTERED
// may move back to READY through an explicit replay, which is the one
// deliberate exit from a terminal state.
type State string

const (
	StatePending      State = "PENDING"
	StateReady        State = "READY"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateRetrying     State = "RETRYING"
	StateDeadLettered State = "DEAD_LETTERED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether the state ends the task's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDeadLettered, StateCancelled:
		return true
	default:
		return false
	}
}

// Successful reports whether the state satisfies dependents.
func (s State) Successful() bool {
	return s == StateCompleted
}

// CanTransition reports whether s → to is a legal move.
func (s State) CanTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateReady || to == StateCancelled
	case StateReady:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		// READY is reachable again when the claiming worker is lost
		// and the task must be requeued.
		return to == StateCompleted || to == StateFailed || to == StateCancelled || to == StateReady
	case StateFailed:
		return to == StateRetrying || to == StateDeadLettered
	case StateRetrying:
		return to == StateReady || to == StateCancelled
	case StateDeadLettered:
		// Explicit replay only.
		return to == StateReady
	default:
		return false
	}
}

// TransitionError reports a disallowed state change. Hitting one means a
// race the state machine absorbed, such as a cancel landing between a
// dequeue and its claim.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: disallowed transition %s -> %s", e.TaskID, e.From, e.To)
}

// Transition validates and applies a state change on t.
func (t *Task) Transition(to State) error {
	if !t.State.CanTransition(to) {
		return &TransitionError{TaskID: t.ID, From: t.State, To: to}
	}
	t.State = to
	return nil
}
