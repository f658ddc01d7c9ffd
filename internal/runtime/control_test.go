package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/worker"
)

// waitTaskState polls until the task reaches the wanted state.
func waitTaskState(t *testing.T, r *Runtime, instanceID, taskID string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last task.State
	for time.Now().Before(deadline) {
		view, err := r.GetStatus(instanceID)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", instanceID, err)
		}
		tk := taskByID(t, view, taskID)
		last = tk.State
		if tk.State == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s stuck at %s, want %s", taskID, last, want)
	return nil
}

func TestPauseParksPromotedWork(t *testing.T) {
	r := startRuntime(t, testOptions())

	gate := make(chan struct{})
	r.Registry().RegisterFunc("gated", func(context.Context, worker.Invocation) (worker.Result, error) {
		<-gate
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("fast", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-pause",
		Tasks: []TaskSpec{
			{ID: "first", Type: "gated"},
			{ID: "second", Type: "fast", DependsOn: []string{"first"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-pause", "first", task.StateRunning)

	if err := r.Pause("wf-pause"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := r.Pause("wf-pause"); err == nil {
		t.Error("pausing a paused instance succeeded")
	}

	// The running task finishes and its result is recorded; the
	// promoted successor parks instead of running.
	close(gate)
	waitTaskState(t, r, "wf-pause", "first", task.StateCompleted)
	time.Sleep(50 * time.Millisecond)

	view, err := r.GetStatus("wf-pause")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != StatusPaused {
		t.Errorf("status = %s, want %s", view.Status, StatusPaused)
	}
	if st := taskByID(t, view, "second").State; st != task.StateReady {
		t.Errorf("parked task state = %s, want %s", st, task.StateReady)
	}

	if err := r.Resume("wf-pause"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, r, "wf-pause", StatusCompleted)

	if err := r.Resume("wf-pause"); err == nil {
		t.Error("resuming a completed instance succeeded")
	}
	if err := r.Pause("missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Pause(missing) err = %v, want ErrInstanceNotFound", err)
	}
}

func TestCancelStopsRunningHandlers(t *testing.T) {
	r := startRuntime(t, testOptions())

	r.Registry().RegisterFunc("obedient", func(ctx context.Context, _ worker.Invocation) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
	r.Registry().RegisterFunc("never", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-cancel",
		Tasks: []TaskSpec{
			{ID: "loop", Type: "obedient"},
			{ID: "later", Type: "never", DependsOn: []string{"loop"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-cancel", "loop", task.StateRunning)

	if err := r.Cancel("wf-cancel", "user requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	view := waitStatus(t, r, "wf-cancel", StatusCancelled)
	if view.Reason != "user requested" {
		t.Errorf("reason = %q, want user requested", view.Reason)
	}
	if st := taskByID(t, view, "later").State; st != task.StateCancelled {
		t.Errorf("waiting task state = %s, want %s", st, task.StateCancelled)
	}
	// The running handler observes the context cancellation and its
	// final report retires the task as CANCELLED, not FAILED.
	tk := waitTaskState(t, r, "wf-cancel", "loop", task.StateCancelled)
	if tk.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", tk.Attempts)
	}

	if err := r.Cancel("wf-cancel", ""); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if err := r.Retry("wf-cancel", ""); err == nil {
		t.Error("Retry on a cancelled instance succeeded")
	}
	if err := r.Pause("wf-cancel"); err == nil {
		t.Error("Pause on a cancelled instance succeeded")
	}
}

func TestCancelCompletedInstanceFails(t *testing.T) {
	r := startRuntime(t, testOptions())
	r.Registry().RegisterFunc("ok", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	view, err := r.SubmitTask(context.Background(), TaskSpec{ID: "one", Type: "ok"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitStatus(t, r, view.ID, StatusCompleted)

	if err := r.Cancel(view.ID, ""); err == nil {
		t.Error("Cancel on a completed instance succeeded")
	}
}

func TestCancelWithRollbackCompensatesCompleted(t *testing.T) {
	r := startRuntime(t, testOptions())

	var mu sync.Mutex
	var undone []string
	instTypes := make(map[string]bool)
	r.OnInstanceLifecycle(func(ev events.InstanceEvent) {
		mu.Lock()
		instTypes[ev.Type] = true
		mu.Unlock()
	})

	gate := make(chan struct{})
	r.Registry().RegisterFunc("quick", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("gated", func(context.Context, worker.Invocation) (worker.Result, error) {
		<-gate
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("undo", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		mu.Lock()
		undone = append(undone, inv.Task.ID)
		mu.Unlock()
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID:               "wf-roll",
		RollbackOnCancel: true,
		Tasks: []TaskSpec{
			{ID: "reserve", Type: "quick", Compensate: "undo"},
			{ID: "charge", Type: "gated", Compensate: "undo", DependsOn: []string{"reserve"}},
			{ID: "ship", Type: "quick", DependsOn: []string{"charge"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-roll", "charge", task.StateRunning)

	// Park the instance so nothing is in flight when the cancel lands.
	if err := r.Pause("wf-roll"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(gate)
	waitTaskState(t, r, "wf-roll", "charge", task.StateCompleted)

	if err := r.Cancel("wf-roll", "plans changed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final := waitStatus(t, r, "wf-roll", StatusCompensated)

	if final.Reason != "plans changed" {
		t.Errorf("reason = %q, want plans changed", final.Reason)
	}
	if st := taskByID(t, final, "ship").State; st != task.StateCancelled {
		t.Errorf("ship state = %s, want %s", st, task.StateCancelled)
	}
	mu.Lock()
	gotUndone := strings.Join(undone, ",")
	sawCompensating := instTypes[events.InstanceCompensating]
	sawCancelled := instTypes[events.InstanceCancelled]
	mu.Unlock()
	if gotUndone != "charge:compensate,reserve:compensate" {
		t.Errorf("compensations = %s, want charge:compensate,reserve:compensate", gotUndone)
	}
	if !sawCompensating {
		t.Errorf("instance events = %v, missing %s", instTypes, events.InstanceCompensating)
	}
	if sawCancelled {
		t.Errorf("%s fired for a rollback cancel", events.InstanceCancelled)
	}
}

func TestCancelWithRollbackWaitsForStraggler(t *testing.T) {
	r := startRuntime(t, testOptions())

	var mu sync.Mutex
	var undone []string
	gate := make(chan struct{})
	r.Registry().RegisterFunc("quick", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("gated", func(context.Context, worker.Invocation) (worker.Result, error) {
		<-gate
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("undo", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		mu.Lock()
		undone = append(undone, inv.Task.ID)
		mu.Unlock()
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID:               "wf-straggler",
		RollbackOnCancel: true,
		Tasks: []TaskSpec{
			{ID: "reserve", Type: "quick", Compensate: "undo"},
			{ID: "work", Type: "gated", Compensate: "undo", DependsOn: []string{"reserve"}},
			{ID: "finish", Type: "quick", DependsOn: []string{"work"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-straggler", "work", task.StateRunning)

	if err := r.Cancel("wf-straggler", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The in-flight task keeps running; the rollback waits for it.
	view := waitStatus(t, r, "wf-straggler", StatusCompensating)
	if st := taskByID(t, view, "finish").State; st != task.StateCancelled {
		t.Errorf("finish state = %s, want %s", st, task.StateCancelled)
	}
	mu.Lock()
	early := len(undone)
	mu.Unlock()
	if early != 0 {
		t.Errorf("rollback ran %d compensations with a task still in flight", early)
	}

	close(gate)
	final := waitStatus(t, r, "wf-straggler", StatusCompensated)

	// The straggler completed after the cancel, so its effects were
	// real and its compensation runs first.
	work := taskByID(t, final, "work")
	if work.State != task.StateCompleted {
		t.Errorf("work state = %s, want %s", work.State, task.StateCompleted)
	}
	if final.Reason != "cancelled by operator" {
		t.Errorf("reason = %q, want cancelled by operator", final.Reason)
	}
	mu.Lock()
	gotUndone := strings.Join(undone, ",")
	mu.Unlock()
	if gotUndone != "work:compensate,reserve:compensate" {
		t.Errorf("compensations = %s, want work:compensate,reserve:compensate", gotUndone)
	}
}

func TestCancelWithRollbackStragglerFailureSkipsRetry(t *testing.T) {
	r := startRuntime(t, testOptions())

	var mu sync.Mutex
	var undone []string
	gate := make(chan struct{})
	r.Registry().RegisterFunc("quick", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("volatile", func(context.Context, worker.Invocation) (worker.Result, error) {
		<-gate
		return worker.Result{}, errors.New("write conflict")
	})
	r.Registry().RegisterFunc("undo", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		mu.Lock()
		undone = append(undone, inv.Task.ID)
		mu.Unlock()
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID:               "wf-stragfail",
		RollbackOnCancel: true,
		Tasks: []TaskSpec{
			{ID: "reserve", Type: "quick", Compensate: "undo"},
			{ID: "work", Type: "volatile", Compensate: "undo", DependsOn: []string{"reserve"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-stragfail", "work", task.StateRunning)

	if err := r.Cancel("wf-stragfail", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, r, "wf-stragfail", StatusCompensating)
	close(gate)
	final := waitStatus(t, r, "wf-stragfail", StatusCompensated)

	// A transient error would normally retry; once compensation is
	// pending the failure is final and the task is not compensated.
	work := taskByID(t, final, "work")
	if work.State != task.StateFailed {
		t.Errorf("work state = %s, want %s", work.State, task.StateFailed)
	}
	if work.Attempts != 1 {
		t.Errorf("work attempts = %d, want 1", work.Attempts)
	}
	mu.Lock()
	gotUndone := strings.Join(undone, ",")
	mu.Unlock()
	if gotUndone != "reserve:compensate" {
		t.Errorf("compensations = %s, want reserve:compensate", gotUndone)
	}
}

func TestCancelRollsBackOnlyWhenRequested(t *testing.T) {
	r := startRuntime(t, testOptions())

	var undone int32
	gate := make(chan struct{})
	defer close(gate)
	r.Registry().RegisterFunc("quick", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("gated", func(context.Context, worker.Invocation) (worker.Result, error) {
		<-gate
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("undo", func(context.Context, worker.Invocation) (worker.Result, error) {
		atomic.AddInt32(&undone, 1)
		return worker.Result{}, nil
	})

	// Compensation declared but rollback never requested.
	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-noflag",
		Tasks: []TaskSpec{
			{ID: "hold", Type: "quick", Compensate: "undo"},
			{ID: "work", Type: "gated", DependsOn: []string{"hold"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-noflag", "work", task.StateRunning)
	if err := r.Cancel("wf-noflag", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, r, "wf-noflag", StatusCancelled)

	// Rollback requested but nothing completed declares compensation.
	_, err = r.Submit(context.Background(), WorkflowSpec{
		ID:               "wf-nothing",
		RollbackOnCancel: true,
		Tasks: []TaskSpec{
			{ID: "prep", Type: "quick"},
			{ID: "work", Type: "gated", DependsOn: []string{"prep"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTaskState(t, r, "wf-nothing", "work", task.StateRunning)
	if err := r.Cancel("wf-nothing", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, r, "wf-nothing", StatusCancelled)

	if n := atomic.LoadInt32(&undone); n != 0 {
		t.Errorf("compensations = %d, want 0", n)
	}
}

func TestRetryResurrectsFailedInstance(t *testing.T) {
	r := startRuntime(t, testOptions())

	var broken int32 = 1
	r.Registry().RegisterFunc("step", func(context.Context, worker.Invocation) (worker.Result, error) {
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("fixable", func(context.Context, worker.Invocation) (worker.Result, error) {
		if atomic.LoadInt32(&broken) == 1 {
			return worker.Result{}, task.Permanent(errors.New("bad deploy key"))
		}
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-retry",
		Tasks: []TaskSpec{
			{ID: "prep", Type: "step"},
			{ID: "deploy", Type: "fixable", DependsOn: []string{"prep"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, r, "wf-retry", StatusFailed)
	if err := r.Retry("wf-retry", "ghost"); err == nil {
		t.Error("Retry from unknown task succeeded")
	}

	atomic.StoreInt32(&broken, 0)
	if err := r.Retry("wf-retry", ""); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	final := waitStatus(t, r, "wf-retry", StatusCompleted)

	// Completed work is preserved on a plain retry; only the failed
	// portion re-ran.
	if got := taskByID(t, final, "prep").Attempts; got != 1 {
		t.Errorf("prep attempts = %d, want 1", got)
	}
	if got := taskByID(t, final, "deploy").Attempts; got != 1 {
		t.Errorf("deploy attempts = %d, want 1 (fresh budget)", got)
	}
	if r.dlq.Len() != 0 {
		t.Errorf("dead letters after retry = %d, want 0", r.dlq.Len())
	}
	if err := r.Retry("wf-retry", ""); err == nil {
		t.Error("Retry on a completed instance succeeded")
	}
}

func TestRetryFromTaskRerunsDownstreamOnly(t *testing.T) {
	r := startRuntime(t, testOptions())

	var mu sync.Mutex
	runs := make(map[string]int)
	var broken int32 = 1
	count := func(id string) {
		mu.Lock()
		runs[id]++
		mu.Unlock()
	}
	r.Registry().RegisterFunc("ok", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		count(inv.Task.ID)
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("fragile", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		count(inv.Task.ID)
		if atomic.LoadInt32(&broken) == 1 {
			return worker.Result{}, task.Permanent(errors.New("disk full"))
		}
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-partial",
		Tasks: []TaskSpec{
			{ID: "a", Type: "ok"},
			{ID: "b", Type: "ok", DependsOn: []string{"a"}},
			{ID: "c", Type: "fragile", DependsOn: []string{"b"}},
			{ID: "d", Type: "ok", DependsOn: []string{"c"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, r, "wf-partial", StatusFailed)

	// d sits behind the dead-lettered c, so retrying from d alone is
	// rejected with a pointer at the real blocker.
	atomic.StoreInt32(&broken, 0)
	err = r.Retry("wf-partial", "d")
	if err == nil || !strings.Contains(err.Error(), `"c"`) {
		t.Fatalf("Retry from d err = %v, want rejection naming c", err)
	}

	if err := r.Retry("wf-partial", "c"); err != nil {
		t.Fatalf("Retry from c: %v", err)
	}
	final := waitStatus(t, r, "wf-partial", StatusCompleted)

	mu.Lock()
	gotRuns := map[string]int{}
	for k, v := range runs {
		gotRuns[k] = v
	}
	mu.Unlock()
	want := map[string]int{"a": 1, "b": 1, "c": 2, "d": 1}
	for id, n := range want {
		if gotRuns[id] != n {
			t.Errorf("task %s ran %d times, want %d", id, gotRuns[id], n)
		}
	}
	if got := strings.Join(final.CompletionOrder, ","); got != "a,b,c,d" {
		t.Errorf("completion order = %s, want a,b,c,d", got)
	}
}

func TestRetryAfterCompensationRerunsCompletedTasks(t *testing.T) {
	r := startRuntime(t, testOptions())

	var mu sync.Mutex
	runs := make(map[string]int)
	var broken int32 = 1
	r.Registry().RegisterFunc("prep", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		mu.Lock()
		runs[inv.Task.ID]++
		mu.Unlock()
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("undo", func(_ context.Context, inv worker.Invocation) (worker.Result, error) {
		mu.Lock()
		runs[inv.Task.ID]++
		mu.Unlock()
		return worker.Result{}, nil
	})
	r.Registry().RegisterFunc("pay", func(context.Context, worker.Invocation) (worker.Result, error) {
		if atomic.LoadInt32(&broken) == 1 {
			return worker.Result{}, task.Permanent(errors.New("card expired"))
		}
		return worker.Result{}, nil
	})

	_, err := r.Submit(context.Background(), WorkflowSpec{
		ID: "wf-comp-retry",
		Tasks: []TaskSpec{
			{ID: "hold", Type: "prep", Compensate: "undo"},
			{ID: "charge", Type: "pay", DependsOn: []string{"hold"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, r, "wf-comp-retry", StatusCompensated)

	// Compensation undid hold's effects, so a retry must run it again.
	atomic.StoreInt32(&broken, 0)
	if err := r.Retry("wf-comp-retry", ""); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	final := waitStatus(t, r, "wf-comp-retry", StatusCompleted)

	mu.Lock()
	holdRuns, undoRuns := runs["hold"], runs["hold:compensate"]
	mu.Unlock()
	if holdRuns != 2 {
		t.Errorf("hold ran %d times, want 2", holdRuns)
	}
	if undoRuns != 1 {
		t.Errorf("compensation ran %d times, want 1", undoRuns)
	}
	if got := strings.Join(final.CompletionOrder, ","); got != "hold,charge" {
		t.Errorf("completion order = %s, want hold,charge", got)
	}
}

func TestReplayDeadLettered(t *testing.T) {
	r := startRuntime(t, testOptions())

	var broken int32 = 1
	r.Registry().RegisterFunc("ship", func(context.Context, worker.Invocation) (worker.Result, error) {
		if atomic.LoadInt32(&broken) == 1 {
			return worker.Result{}, task.Permanent(errors.New("no carrier"))
		}
		return worker.Result{}, nil
	})

	view, err := r.SubmitTask(context.Background(), TaskSpec{ID: "ship-42", Type: "ship"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitStatus(t, r, view.ID, StatusFailed)
	if r.dlq.Len() != 1 {
		t.Fatalf("dead letters = %d, want 1", r.dlq.Len())
	}

	atomic.StoreInt32(&broken, 0)
	if err := r.ReplayDeadLettered("ship-42"); err != nil {
		t.Fatalf("ReplayDeadLettered: %v", err)
	}
	final := waitStatus(t, r, view.ID, StatusCompleted)

	if tk := taskByID(t, final, "ship-42"); tk.Attempts != 1 {
		t.Errorf("attempts after replay = %d, want 1 (fresh budget)", tk.Attempts)
	}
	if r.dlq.Len() != 0 {
		t.Errorf("dead letters after replay = %d, want 0", r.dlq.Len())
	}
	if err := r.ReplayDeadLettered("ship-42"); err == nil {
		t.Error("replaying a live task succeeded")
	}
	if err := r.ReplayDeadLettered("ghost"); err == nil {
		t.Error("replaying an unknown task succeeded")
	}
}
