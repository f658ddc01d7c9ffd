package task

import (
	"errors"
	"strings"
	"testing"
)

// TestStateTransitions tests the allowed-transition table.
func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"pending to ready", StatePending, StateReady, true},
		{"pending to cancelled", StatePending, StateCancelled, true},
		{"pending to running skips ready", StatePending, StateRunning, false},
		{"ready to running", StateReady, StateRunning, true},
		{"ready to cancelled", StateReady, StateCancelled, true},
		{"ready to completed skips running", StateReady, StateCompleted, false},
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to cancelled", StateRunning, StateCancelled, true},
		{"running requeued after worker loss", StateRunning, StateReady, true},
		{"running to pending", StateRunning, StatePending, false},
		{"failed to retrying", StateFailed, StateRetrying, true},
		{"failed to dead lettered", StateFailed, StateDeadLettered, true},
		{"failed straight to ready", StateFailed, StateReady, false},
		{"retrying to ready", StateRetrying, StateReady, true},
		{"retrying to cancelled", StateRetrying, StateCancelled, true},
		{"retrying to running skips queue", StateRetrying, StateRunning, false},
		{"dead lettered replay to ready", StateDeadLettered, StateReady, true},
		{"dead lettered to running", StateDeadLettered, StateRunning, false},
		{"completed is terminal", StateCompleted, StateReady, false},
		{"cancelled is terminal", StateCancelled, StateReady, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

// TestTransitionMutatesOnlyWhenLegal tests that Transition rejects bad moves.
func TestTransitionMutatesOnlyWhenLegal(t *testing.T) {
	tk := &Task{ID: "A", State: StatePending}

	if err := tk.Transition(StateReady); err != nil {
		t.Fatalf("Transition(READY) error = %v, want nil", err)
	}
	if tk.State != StateReady {
		t.Errorf("State = %v, want READY", tk.State)
	}

	err := tk.Transition(StateCompleted)
	if err == nil {
		t.Fatal("Transition(READY -> COMPLETED) error = nil, want error")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TransitionError", err)
	}
	if te.From != StateReady || te.To != StateCompleted {
		t.Errorf("TransitionError = %s -> %s, want READY -> COMPLETED", te.From, te.To)
	}
	if tk.State != StateReady {
		t.Errorf("State changed to %v on rejected transition", tk.State)
	}
}

// TestTerminal tests terminal-state classification.
func TestTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateDeadLettered, StateCancelled}
	live := []State{StatePending, StateReady, StateRunning, StateFailed, StateRetrying}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
	if StateDeadLettered.Successful() || StateCancelled.Successful() {
		t.Error("only COMPLETED should satisfy dependents")
	}
	if !StateCompleted.Successful() {
		t.Error("COMPLETED should satisfy dependents")
	}
}

// TestClassify tests default error classification.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"unmarked error", errors.New("boom"), ClassTransient},
		{"marked transient", Transient(errors.New("flaky upstream")), ClassTransient},
		{"marked permanent", Permanent(errors.New("bad input")), ClassPermanent},
		{"wrapped permanent", wrap(Permanent(errors.New("bad input"))), ClassPermanent},
		{"timeout", ErrTimedOut, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}

	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("classifying nil should stay nil")
	}
}

func wrap(err error) error {
	return errors.Join(errors.New("outer"), err)
}

// TestValidationErrors tests the submission rejection types.
func TestValidationErrors(t *testing.T) {
	ve := Validationf("task %q references unknown dependency %q", "B", "Z")
	if !IsValidation(ve) {
		t.Error("IsValidation(ValidationError) = false, want true")
	}
	if !strings.Contains(ve.Error(), "unknown dependency") {
		t.Errorf("unexpected message %q", ve.Error())
	}

	ce := &CycleError{Path: []string{"A", "B", "A"}}
	if !IsValidation(ce) {
		t.Error("IsValidation(CycleError) = false, want true")
	}
	if got := ce.Error(); !strings.Contains(got, "A -> B -> A") {
		t.Errorf("cycle message %q should name the cycle path", got)
	}

	if IsValidation(errors.New("boom")) {
		t.Error("IsValidation(plain error) = true, want false")
	}
}

// TestCloneIsolation tests that Clone detaches shared slices.
func TestCloneIsolation(t *testing.T) {
	orig := &Task{
		ID:        "A",
		DependsOn: []string{"X"},
		Payload:   []byte(`{"n":1}`),
		State:     StateReady,
	}
	c := orig.Clone()

	c.DependsOn[0] = "Y"
	c.Payload[2] = 'x'
	c.State = StateRunning

	if orig.DependsOn[0] != "X" {
		t.Error("Clone shares DependsOn backing array")
	}
	if string(orig.Payload) != `{"n":1}` {
		t.Error("Clone shares Payload backing array")
	}
	if orig.State != StateReady {
		t.Error("Clone shares state")
	}
}

// TestRetriesLeft tests remaining-budget accounting.
func TestRetriesLeft(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		max      int
		want     int
	}{
		{"untried", 0, 3, 3},
		{"first attempt failed", 1, 3, 3},
		{"one retry consumed", 2, 3, 2},
		{"budget exhausted", 4, 3, 0},
		{"past budget clamps to zero", 6, 3, 0},
		{"no retries allowed", 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &Task{Attempts: tt.attempts, MaxRetries: tt.max}
			if got := tk.RetriesLeft(); got != tt.want {
				t.Errorf("RetriesLeft() = %d, want %d", got, tt.want)
			}
		})
	}
}
