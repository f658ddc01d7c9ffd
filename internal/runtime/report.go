package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/worker"
)

// claim is the queue's ClaimFunc: it owns the READY -> RUNNING
// transition. Runs on worker goroutines with no queue lock held.
// Returning false makes the worker skip the entry and keep dequeuing.
func (r *Runtime) claim(taskID, instanceID, workerID string) (*task.Task, bool) {
	inst := r.instance(instanceID)
	if inst == nil {
		return nil, false
	}

	r.locks.Lock(instanceID)
	if inst.status != StatusRunning {
		r.locks.Unlock(instanceID)
		return nil, false
	}
	t, err := inst.graph.Claim(taskID, workerID)
	r.locks.Unlock(instanceID)
	if err != nil {
		r.logger.Debug("claim rejected",
			zap.String("task", taskID), zap.Error(err))
		return nil, false
	}

	r.persistTasks(t)
	r.emitTask(taskEvent(t))
	return t, true
}

// Begin hands the claimed task's execution context and a variable
// snapshot to the worker. A false return drops the execution without a
// report.
func (r *Runtime) Begin(t *task.Task) (context.Context, map[string]any, bool) {
	inst := r.instance(t.InstanceID)
	if inst == nil {
		return nil, nil, false
	}

	r.locks.Lock(t.InstanceID)
	if inst.status == StatusCancelled {
		// Cancel raced the claim; retire the task instead of running it.
		var cancelled *task.Task
		if err := inst.graph.MarkCancelled(t.ID); err == nil {
			cancelled, _ = inst.graph.Get(t.ID)
		}
		r.locks.Unlock(t.InstanceID)
		if cancelled != nil {
			r.persistTasks(cancelled)
			r.emitTask(taskEvent(cancelled))
		}
		return nil, nil, false
	}
	ctx, vars := inst.ctx, copyVars(inst.vars)
	r.locks.Unlock(t.InstanceID)
	return ctx, vars, true
}

// Report receives one execution outcome from a worker and drives every
// downstream transition: completion and promotion, retry scheduling,
// dead-lettering, compensation, and instance completion.
func (r *Runtime) Report(ctx context.Context, t *task.Task, res worker.Result, execErr error, workerID string) {
	inst := r.instance(t.InstanceID)
	if inst == nil {
		return
	}
	if execErr == nil {
		r.reportSuccess(inst, t, res, workerID)
		return
	}
	r.reportFailure(inst, t.ID, execErr, workerID)
}

// holdsClaim verifies the reporting worker still owns the task. A
// worker presumed dead has its claim released; if it then comes back
// and reports, the report is stale and must be dropped. Caller holds
// the instance lock.
func holdsClaim(inst *instance, taskID, workerID string) (*task.Task, bool) {
	cur, ok := inst.graph.Get(taskID)
	if !ok || cur.State != task.StateRunning || cur.ClaimedBy != workerID {
		return nil, false
	}
	return cur, true
}

func (r *Runtime) reportSuccess(inst *instance, t *task.Task, res worker.Result, workerID string) {
	var (
		save []*task.Task
		enq  []*task.Task
		tevs []events.TaskEvent
		ievs []events.InstanceEvent
		rec  *store.InstanceRecord
	)

	r.locks.Lock(inst.id)
	if _, ok := holdsClaim(inst, t.ID, workerID); !ok {
		r.locks.Unlock(inst.id)
		r.logger.Warn("dropping stale completion report",
			zap.String("task", t.ID), zap.String("worker", workerID))
		return
	}
	if inst.status == StatusCancelled {
		save, tevs = retireCancelled(inst, t.ID)
		r.locks.Unlock(inst.id)
		r.persistTasks(save...)
		r.emitTask(tevs...)
		return
	}
	if inst.status == StatusCompensating {
		// Cancel-with-rollback is waiting on this task; record the
		// completion so the rollback covers its effects too.
		done, err := recordCompletionLocked(inst, t.ID, res)
		if err != nil {
			r.locks.Unlock(inst.id)
			r.logger.Error("failed to record completion",
				zap.String("task", t.ID), zap.Error(err))
			return
		}
		rollback, rollVars := pendingRollbackLocked(inst)
		rec = inst.record()
		r.locks.Unlock(inst.id)

		r.persistTasks(done)
		r.persistInstance(rec)
		r.emitTask(taskEvent(done))
		if rollback != nil {
			r.wg.Add(1)
			go r.runRollback(inst, rollback, rollVars)
		}
		return
	}

	done, err := recordCompletionLocked(inst, t.ID, res)
	if err != nil {
		r.locks.Unlock(inst.id)
		r.logger.Error("failed to record completion",
			zap.String("task", t.ID), zap.Error(err))
		return
	}
	save = append(save, done)
	tevs = append(tevs, taskEvent(done))

	// Promote newly unblocked tasks.
	for _, e := range inst.graph.Eligible() {
		if err := inst.graph.MarkReady(e.ID); err != nil {
			continue
		}
		ready, _ := inst.graph.Get(e.ID)
		save = append(save, ready)
		enq = append(enq, ready)
		tevs = append(tevs, taskEvent(ready))
	}

	var (
		rollback []*task.Task
		rollVars map[string]any
	)
	if p := inst.graph.Progress(); p.Done() && p.Completed == p.Total {
		inst.status = StatusCompleted
		inst.finishedAt = time.Now()
		ievs = append(ievs, instanceEvent(inst, events.InstanceCompleted))
	} else if inst.graph.Stalled() {
		// This completion was the last in-flight work of an instance
		// that dead-lettered elsewhere.
		var sevs []events.InstanceEvent
		sevs, rollback, rollVars = settleStalled(inst, stallReason(inst))
		ievs = append(ievs, sevs...)
	}
	rec = inst.record()
	r.locks.Unlock(inst.id)

	r.persistTasks(save...)
	r.persistInstance(rec)
	for _, e := range enq {
		r.queue.Enqueue(e)
	}
	r.emitTask(tevs...)
	r.emitInstance(ievs...)

	for _, ev := range ievs {
		if ev.Type == events.InstanceCompleted {
			r.logger.Info("workflow completed",
				zap.String("instance", inst.id),
				zap.String("name", inst.name))
		}
	}
	if rollback != nil {
		r.wg.Add(1)
		go r.runRollback(inst, rollback, rollVars)
	}
}

// reportFailure routes one failed execution through the retry policy.
func (r *Runtime) reportFailure(inst *instance, taskID string, execErr error, workerID string) {
	detail := execErr.Error()
	var (
		save     []*task.Task
		tevs     []events.TaskEvent
		ievs     []events.InstanceEvent
		rec      *store.InstanceRecord
		frec     *task.FailureRecord
		rollback []*task.Task
		rollVars map[string]any
	)

	r.locks.Lock(inst.id)
	if _, ok := holdsClaim(inst, taskID, workerID); !ok {
		r.locks.Unlock(inst.id)
		r.logger.Warn("dropping stale failure report",
			zap.String("task", taskID), zap.String("worker", workerID))
		return
	}
	if inst.status == StatusCancelled {
		save, tevs = retireCancelled(inst, taskID)
		r.locks.Unlock(inst.id)
		r.persistTasks(save...)
		r.emitTask(tevs...)
		return
	}
	if inst.status == StatusCompensating {
		// No forward retries once compensation is pending; record the
		// failure and let the rollback proceed without this task.
		if err := inst.graph.MarkFailed(taskID, detail); err == nil {
			failed, _ := inst.graph.Get(taskID)
			save = append(save, failed)
			tevs = append(tevs, taskEvent(failed))
			fr := task.FailureRecord{
				TaskID:     taskID,
				InstanceID: inst.id,
				Attempt:    failed.Attempts,
				Class:      task.Classify(execErr),
				Detail:     detail,
				At:         time.Now(),
			}
			inst.failures[taskID] = append(inst.failures[taskID], fr)
			frec = &fr
		}
		rollback, rollVars = pendingRollbackLocked(inst)
		rec = inst.record()
		r.locks.Unlock(inst.id)

		if frec != nil {
			r.persistFailure(*frec)
		}
		r.persistTasks(save...)
		r.persistInstance(rec)
		r.emitTask(tevs...)
		if rollback != nil {
			r.wg.Add(1)
			go r.runRollback(inst, rollback, rollVars)
		}
		return
	}

	if err := inst.graph.MarkFailed(taskID, detail); err != nil {
		r.locks.Unlock(inst.id)
		r.logger.Error("failed to record failure",
			zap.String("task", taskID), zap.Error(err))
		return
	}
	failed, _ := inst.graph.Get(taskID)
	d := r.policy.Decide(execErr, failed.Attempts, failed.MaxRetries)

	fr := task.FailureRecord{
		TaskID:     taskID,
		InstanceID: inst.id,
		Attempt:    failed.Attempts,
		Class:      d.Class,
		Detail:     detail,
		At:         time.Now(),
	}
	inst.failures[taskID] = append(inst.failures[taskID], fr)
	frec = &fr
	tevs = append(tevs, taskEvent(failed))

	if d.Retry {
		delay := d.Delay
		// A fast-fail from an open breaker carries no signal about the
		// task itself; wait out the cooldown before trying again.
		if resilience.IsOpen(execErr) && delay < r.cooldown {
			delay = r.cooldown
		}
		if err := inst.graph.MarkRetrying(taskID); err == nil {
			retrying, _ := inst.graph.Get(taskID)
			save = append(save, retrying)
			ev := taskEvent(retrying)
			ev.Delay = delay
			tevs = append(tevs, ev)

			inst.timers[taskID] = time.AfterFunc(delay, func() {
				r.promoteRetry(inst.id, taskID)
			})
		}
	} else {
		if err := inst.graph.MarkDeadLettered(taskID); err == nil {
			dead, _ := inst.graph.Get(taskID)
			save = append(save, dead)
			tevs = append(tevs, taskEvent(dead))
			r.dlq.Add(dead, inst.failures[taskID], deadLetterReason(d.Class, failed.Attempts, detail))
		}
		if inst.graph.Stalled() {
			reason := fmt.Sprintf("task %s dead-lettered: %s", taskID, detail)
			var sevs []events.InstanceEvent
			sevs, rollback, rollVars = settleStalled(inst, reason)
			ievs = append(ievs, sevs...)
		}
	}
	rec = inst.record()
	r.locks.Unlock(inst.id)

	if frec != nil {
		r.persistFailure(*frec)
	}
	r.persistTasks(save...)
	r.persistInstance(rec)
	r.emitTask(tevs...)
	r.emitInstance(ievs...)

	r.logger.Warn("task failed",
		zap.String("task", taskID),
		zap.String("instance", inst.id),
		zap.Int("attempt", fr.Attempt),
		zap.String("class", string(d.Class)),
		zap.Bool("retry", d.Retry),
		zap.String("error", detail))

	if rollback != nil {
		r.wg.Add(1)
		go r.runRollback(inst, rollback, rollVars)
	}
}

// recordCompletionLocked marks the task COMPLETED and folds its result
// into the instance. Caller holds the instance lock.
func recordCompletionLocked(inst *instance, taskID string, res worker.Result) (*task.Task, error) {
	if err := inst.graph.MarkCompleted(taskID); err != nil {
		return nil, err
	}
	done, _ := inst.graph.Get(taskID)
	inst.completionOrder = append(inst.completionOrder, taskID)
	if len(res.Output) > 0 {
		inst.outputs[taskID] = append([]byte(nil), res.Output...)
	}
	for k, v := range res.Vars {
		if inst.vars == nil {
			inst.vars = make(map[string]any)
		}
		inst.vars[k] = v
	}
	return done, nil
}

// pendingRollbackLocked hands out the deferred cancel rollback once the
// last in-flight task has retired. Caller holds the instance lock and
// must pass a non-nil result to runRollback after unlocking.
func pendingRollbackLocked(inst *instance) ([]*task.Task, map[string]any) {
	if !inst.rollbackPending || inst.graph.Progress().Running > 0 {
		return nil, nil
	}
	inst.rollbackPending = false
	return inst.completedInOrder(), copyVars(inst.vars)
}

// settleStalled decides the fate of an instance that can make no
// further progress: compensation when any completed task is
// compensable, FAILED otherwise. Caller holds the instance lock; the
// returned rollback slice, when non-nil, must be handed to runRollback
// after unlocking.
func settleStalled(inst *instance, reason string) (ievs []events.InstanceEvent, rollback []*task.Task, rollVars map[string]any) {
	completed := inst.completedInOrder()
	compensable := false
	for _, c := range completed {
		if c.Compensate != "" {
			compensable = true
			break
		}
	}
	inst.reason = reason
	if compensable {
		inst.status = StatusCompensating
		ievs = append(ievs, instanceEvent(inst, events.InstanceCompensating))
		return ievs, completed, copyVars(inst.vars)
	}
	inst.status = StatusFailed
	inst.finishedAt = time.Now()
	ievs = append(ievs, instanceEvent(inst, events.InstanceFailed))
	return ievs, nil, nil
}

// stallReason summarizes the dead-lettered tasks blocking an instance.
// Caller holds the instance lock.
func stallReason(inst *instance) string {
	var dead []string
	for _, t := range inst.graph.Tasks() {
		if t.State == task.StateDeadLettered {
			dead = append(dead, t.ID)
		}
	}
	return fmt.Sprintf("dead-lettered tasks: %s", strings.Join(dead, ", "))
}

// retireCancelled marks a reported task CANCELLED after its instance
// was cancelled mid-flight. Caller holds the instance lock.
func retireCancelled(inst *instance, taskID string) ([]*task.Task, []events.TaskEvent) {
	if err := inst.graph.MarkCancelled(taskID); err != nil {
		return nil, nil
	}
	c, _ := inst.graph.Get(taskID)
	return []*task.Task{c}, []events.TaskEvent{taskEvent(c)}
}

// WorkerLost converts a missed-heartbeat reap into a transient failure
// for the task the worker was holding, so the normal retry policy
// applies.
func (r *Runtime) WorkerLost(taskID, instanceID, workerID string) {
	inst := r.instance(instanceID)
	if inst == nil {
		return
	}
	r.locks.Lock(instanceID)
	_, ok := holdsClaim(inst, taskID, workerID)
	r.locks.Unlock(instanceID)
	if !ok {
		return
	}

	err := task.Transient(fmt.Errorf("worker %s missed its heartbeat deadline", workerID))
	r.reportFailure(inst, taskID, err, workerID)
}

// promoteRetry fires when a RETRYING task's backoff elapses.
func (r *Runtime) promoteRetry(instanceID, taskID string) {
	inst := r.instance(instanceID)
	if inst == nil {
		return
	}

	r.locks.Lock(instanceID)
	delete(inst.timers, taskID)
	if inst.status != StatusRunning && inst.status != StatusPaused {
		r.locks.Unlock(instanceID)
		return
	}
	if err := inst.graph.MarkReady(taskID); err != nil {
		r.locks.Unlock(instanceID)
		return
	}
	ready, _ := inst.graph.Get(taskID)
	r.locks.Unlock(instanceID)

	r.persistTasks(ready)
	r.queue.Enqueue(ready)
	r.emitTask(taskEvent(ready))
}

// runRollback compensates completed tasks after the instance stalled,
// then settles the instance status from the outcome.
func (r *Runtime) runRollback(inst *instance, completed []*task.Task, vars map[string]any) {
	defer r.wg.Done()

	out := r.saga.Rollback(inst.ctx, completed, vars)

	r.locks.Lock(inst.id)
	if out.Clean() {
		inst.status = StatusCompensated
	} else {
		inst.status = StatusCompensatedWithErrors
		inst.reason = fmt.Sprintf("%s; %d of %d compensations failed",
			inst.reason, len(out.Failed), out.Attempted)
	}
	inst.finishedAt = time.Now()
	typ := events.InstanceCompensated
	if !out.Clean() {
		typ = events.InstanceCompensatedWithErrors
	}
	iev := instanceEvent(inst, typ)
	rec := inst.record()
	r.locks.Unlock(inst.id)

	r.persistInstance(rec)
	r.emitInstance(iev)

	if out.Clean() {
		r.logger.Info("workflow compensated",
			zap.String("instance", inst.id),
			zap.Int("compensated", len(out.Compensated)))
	} else {
		r.logger.Warn("workflow compensated with errors",
			zap.String("instance", inst.id),
			zap.Int("compensated", len(out.Compensated)),
			zap.Int("failed", len(out.Failed)))
	}
}
