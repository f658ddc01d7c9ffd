package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// TestDelaySchedule tests exponential growth, the cap, and jitter
// bounds.
func TestDelaySchedule(t *testing.T) {
	p := NewPolicy(RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}, nil)

	tests := []struct {
		retries int
		nominal time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped
		{9, 1 * time.Second}, // stays capped
	}

	for _, tt := range tests {
		// Jitter is random per call; sample a few times.
		for i := 0; i < 5; i++ {
			got := p.Delay(tt.retries)
			lo := time.Duration(float64(tt.nominal) * 0.8)
			hi := time.Duration(float64(tt.nominal) * 1.2)
			if got < lo || got > hi {
				t.Errorf("Delay(%d) = %v, want within [%v, %v]", tt.retries, got, lo, hi)
			}
		}
	}
}

// TestDecide tests retry eligibility rulings.
func TestDecide(t *testing.T) {
	p := NewPolicy(DefaultRetryConfig(), nil)

	tests := []struct {
		name       string
		err        error
		attempts   int
		maxRetries int
		wantClass  task.Class
		wantRetry  bool
	}{
		{"first transient failure", errors.New("flaky"), 1, 3, task.ClassTransient, true},
		{"third transient failure", errors.New("flaky"), 3, 3, task.ClassTransient, true},
		{"budget exhausted", errors.New("flaky"), 4, 3, task.ClassTransient, false},
		{"permanent on first attempt", task.Permanent(errors.New("bad payload")), 1, 3, task.ClassPermanent, false},
		{"timeout is transient", task.ErrTimedOut, 1, 3, task.ClassTransient, true},
		{"zero retry budget", errors.New("flaky"), 1, 0, task.ClassTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.err, tt.attempts, tt.maxRetries)
			if d.Class != tt.wantClass {
				t.Errorf("Decide().Class = %v, want %v", d.Class, tt.wantClass)
			}
			if d.Retry != tt.wantRetry {
				t.Errorf("Decide().Retry = %v, want %v", d.Retry, tt.wantRetry)
			}
			if d.Retry && d.Delay <= 0 {
				t.Error("Decide() granted a retry with no delay")
			}
			if !d.Retry && d.Delay != 0 {
				t.Errorf("Decide() denied retry but set delay %v", d.Delay)
			}
		})
	}
}

// TestDecideCustomClassifier tests that a caller-supplied classifier
// overrides the default.
func TestDecideCustomClassifier(t *testing.T) {
	pessimist := func(error) task.Class { return task.ClassPermanent }
	p := NewPolicy(DefaultRetryConfig(), pessimist)

	d := p.Decide(errors.New("anything"), 1, 3)
	if d.Retry {
		t.Error("Decide() = retry, want dead-letter under permanent-only classifier")
	}
	if d.Class != task.ClassPermanent {
		t.Errorf("Decide().Class = %v, want PERMANENT", d.Class)
	}
}
