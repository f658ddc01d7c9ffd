package runtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/task"
)

// WorkflowSpec is a workflow submission: a named set of tasks wired by
// dependencies. IDs are optional; missing ones are generated.
type WorkflowSpec struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Vars  map[string]any `json:"vars,omitempty"`
	Tasks []TaskSpec     `json:"tasks"`

	// RollbackOnCancel compensates completed tasks when the instance
	// is cancelled, instead of leaving their effects in place.
	RollbackOnCancel bool `json:"rollback_on_cancel,omitempty"`
}

// TaskSpec describes one task of a submission.
type TaskSpec struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Compensate string          `json:"compensate,omitempty"`

	// MaxRetries overrides the runtime's default retry budget. Zero
	// means no retries; nil means use the default.
	MaxRetries *int `json:"max_retries,omitempty"`

	// MaxDuration bounds one execution attempt. Zero means the pool's
	// default task timeout applies.
	MaxDuration config.Duration `json:"max_duration,omitempty"`
}

func (s WorkflowSpec) validate() error {
	if len(s.Tasks) == 0 {
		return task.Validationf("workflow %q has no tasks", s.Name)
	}
	for _, ts := range s.Tasks {
		label := ts.ID
		if label == "" {
			label = ts.Name
		}
		if ts.Type == "" {
			return task.Validationf("task %q has no type", label)
		}
		if ts.MaxRetries != nil && *ts.MaxRetries < 0 {
			return task.Validationf("task %q has negative max_retries", label)
		}
		if ts.MaxDuration.Std() < 0 {
			return task.Validationf("task %q has negative max_duration", label)
		}
	}
	return nil
}

// materialize turns the spec into graph-ready tasks. Duplicate ids and
// unknown dependencies are left for the graph build to reject.
func (s WorkflowSpec) materialize(instanceID string, defaultRetries int, now time.Time) []*task.Task {
	out := make([]*task.Task, 0, len(s.Tasks))
	for _, ts := range s.Tasks {
		t := &task.Task{
			ID:          ts.ID,
			InstanceID:  instanceID,
			Name:        ts.Name,
			Type:        ts.Type,
			Priority:    ts.Priority,
			Payload:     append(json.RawMessage(nil), ts.Payload...),
			DependsOn:   append([]string(nil), ts.DependsOn...),
			Compensate:  ts.Compensate,
			MaxRetries:  defaultRetries,
			MaxDuration: ts.MaxDuration.Std(),
			State:       task.StatePending,
			CreatedAt:   now,
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if ts.MaxRetries != nil {
			t.MaxRetries = *ts.MaxRetries
		}
		out = append(out, t)
	}
	return out
}
