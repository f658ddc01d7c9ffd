// Package task defines the unit of schedulable work, its state machine,
// and the error taxonomy the failure policy classifies against.
package task

import (
	"encoding/json"
	"time"
)

// Priority scale. Higher runs sooner. Any integer is accepted; these are
// the conventional levels.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// DefaultMaxRetries applies when a submission does not set a retry limit.
const DefaultMaxRetries = 3

// Task is a unit of work inside a workflow instance.
//
// Fields are mutated only through the owning graph's transition methods;
// everything handed to workers or callers is a copy.
type Task struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`

	// Compensate names the handler that rolls this task back after the
	// instance fails past it. Empty means no compensation.
	Compensate string `json:"compensate,omitempty"`

	MaxRetries  int           `json:"max_retries"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`

	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the graph lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &c
}

// RetriesLeft reports how many retry slots remain. Attempts counts
// executions and the first execution is not a retry, so a task with
// MaxRetries 3 may execute four times.
func (t *Task) RetriesLeft() int {
	used := t.Attempts - 1
	if used < 0 {
		used = 0
	}
	if used >= t.MaxRetries {
		return 0
	}
	return t.MaxRetries - used
}

// Class is the failure classification the retry policy keys on.
type Class string

const (
	ClassTransient Class = "TRANSIENT"
	ClassPermanent Class = "PERMANENT"
)

// FailureRecord captures one failed execution attempt.
type FailureRecord struct {
	TaskID     string    `json:"task_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Class      Class     `json:"class"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}
