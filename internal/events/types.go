// Package events defines the lifecycle events the runtime emits and an
// in-process pub-sub bus for consuming them.
package events

import (
	"time"

	"github.com/aristath/conductor/internal/task"
)

// Event is the base interface for all published events.
type Event interface {
	EventType() string
	Topic() string
}

// Topic constants.
const (
	TopicTask     = "task"
	TopicInstance = "instance"
)

// Task transition event types, one per lifecycle edge.
const (
	TaskCreated      = "task.created"
	TaskReady        = "task.ready"
	TaskRunning      = "task.running"
	TaskCompleted    = "task.completed"
	TaskFailed       = "task.failed"
	TaskRetrying     = "task.retrying"
	TaskDeadLettered = "task.dead_lettered"
	TaskCancelled    = "task.cancelled"
)

// Instance status event types.
const (
	InstanceCreated               = "instance.created"
	InstancePaused                = "instance.paused"
	InstanceResumed               = "instance.resumed"
	InstanceCompleted             = "instance.completed"
	InstanceFailed                = "instance.failed"
	InstanceCancelled             = "instance.cancelled"
	InstanceCompensating          = "instance.compensating"
	InstanceCompensated           = "instance.compensated"
	InstanceCompensatedWithErrors = "instance.compensated_with_errors"
)

// TaskEvent is published on every task state transition.
type TaskEvent struct {
	Type       string        `json:"type"`
	TaskID     string        `json:"task_id"`
	InstanceID string        `json:"instance_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	State      task.State    `json:"state"`
	Attempt    int           `json:"attempt,omitempty"`
	Error      string        `json:"error,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e TaskEvent) EventType() string { return e.Type }
func (e TaskEvent) Topic() string     { return TopicTask }

// InstanceEvent is published on every workflow instance status change.
type InstanceEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e InstanceEvent) EventType() string { return e.Type }
func (e InstanceEvent) Topic() string     { return TopicInstance }

// ForState maps a task state to its transition event type.
func ForState(s task.State) string {
	switch s {
	case task.StateReady:
		return TaskReady
	case task.StateRunning:
		return TaskRunning
	case task.StateCompleted:
		return TaskCompleted
	case task.StateFailed:
		return TaskFailed
	case task.StateRetrying:
		return TaskRetrying
	case task.StateDeadLettered:
		return TaskDeadLettered
	case task.StateCancelled:
		return TaskCancelled
	default:
		return TaskCreated
	}
}
