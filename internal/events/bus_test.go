package events

import (
	"testing"
	"time"

	"github.com/aristath/conductor/internal/task"
)

func taskEvent(typ, id string) TaskEvent {
	return TaskEvent{Type: typ, TaskID: id, Timestamp: time.Now()}
}

// TestPublishSubscribe tests topic routing.
func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	taskCh := b.Subscribe(TopicTask, 4)
	instCh := b.Subscribe(TopicInstance, 4)

	b.Publish(taskEvent(TaskCompleted, "A"))
	b.Publish(InstanceEvent{Type: InstanceCompleted, InstanceID: "wf-1"})

	select {
	case ev := <-taskCh:
		if ev.EventType() != TaskCompleted {
			t.Errorf("task subscriber got %s, want %s", ev.EventType(), TaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("task subscriber received nothing")
	}

	select {
	case ev := <-instCh:
		if ev.EventType() != InstanceCompleted {
			t.Errorf("instance subscriber got %s, want %s", ev.EventType(), InstanceCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("instance subscriber received nothing")
	}

	select {
	case ev := <-taskCh:
		t.Errorf("task subscriber got cross-topic event %s", ev.EventType())
	default:
	}
}

// TestSubscribeAll tests cross-topic consumption.
func TestSubscribeAll(t *testing.T) {
	b := NewBus()
	defer b.Close()

	all := b.SubscribeAll(4)
	b.Publish(taskEvent(TaskReady, "A"))
	b.Publish(InstanceEvent{Type: InstancePaused, InstanceID: "wf-1"})

	got := []string{(<-all).EventType(), (<-all).EventType()}
	if got[0] != TaskReady || got[1] != InstancePaused {
		t.Errorf("SubscribeAll received %v, want [task.ready instance.paused]", got)
	}
}

// TestPublishNeverBlocks tests the drop-on-full behavior.
func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(taskEvent(TaskReady, "A"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if b.Dropped() != 9 {
		t.Errorf("Dropped() = %d, want 9", b.Dropped())
	}
}

// TestCloseIdempotent tests double close and post-close behavior.
func TestCloseIdempotent(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicTask, 1)

	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}

	// Publishing after Close is discarded, not a panic.
	b.Publish(taskEvent(TaskReady, "A"))

	late := b.Subscribe(TopicTask, 1)
	if _, open := <-late; open {
		t.Error("post-Close Subscribe returned an open channel")
	}
}

// TestForState tests the state-to-event-type mapping.
func TestForState(t *testing.T) {
	tests := []struct {
		state task.State
		want  string
	}{
		{task.StateReady, TaskReady},
		{task.StateRunning, TaskRunning},
		{task.StateCompleted, TaskCompleted},
		{task.StateFailed, TaskFailed},
		{task.StateRetrying, TaskRetrying},
		{task.StateDeadLettered, TaskDeadLettered},
		{task.StateCancelled, TaskCancelled},
	}
	for _, tt := range tests {
		if got := ForState(tt.state); got != tt.want {
			t.Errorf("ForState(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}
