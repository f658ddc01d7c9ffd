package runtime

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/task"
)

// Recover rebuilds in-memory state from the store after a restart.
// Call it after New and before Start.
//
// Tasks left RUNNING lost their worker and go back to READY without
// burning an attempt; RETRYING tasks lost their timer and become READY
// immediately; dead letters are rebuilt from DEAD_LETTERED rows and
// their persisted failure history. An instance that crashed mid
// compensation resumes its rollback once Start brings the runtime up.
func (r *Runtime) Recover(ctx context.Context) error {
	recs, err := r.store.ListInstances(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list instances")
	}

	restored := 0
	for _, rec := range recs {
		if r.instance(rec.ID) != nil {
			continue
		}
		tasks, err := r.store.ListTasks(ctx, rec.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list tasks of instance %s", rec.ID)
		}
		if len(tasks) == 0 {
			r.logger.Warn("dropping persisted instance without tasks",
				zap.String("instance", rec.ID))
			if derr := r.store.DeleteInstance(ctx, rec.ID); derr != nil {
				r.logger.Error("failed to delete empty instance",
					zap.String("instance", rec.ID), zap.Error(derr))
			}
			continue
		}
		g, err := scheduler.Build(tasks)
		if err != nil {
			r.logger.Error("failed to rebuild instance graph, skipping",
				zap.String("instance", rec.ID), zap.Error(err))
			continue
		}

		inst := newInstance(rec.ID, rec.Name, g, rec.Vars, rec.CreatedAt)
		inst.status = Status(rec.Status)
		inst.reason = rec.Reason
		inst.completionOrder = append([]string(nil), rec.CompletionOrder...)
		inst.finishedAt = rec.FinishedAt
		inst.rollbackOnCancel = rec.RollbackOnCancel

		var updated []*task.Task
		var ready []*task.Task
		for _, t := range g.Tasks() {
			switch t.State {
			case task.StateRunning:
				// Mid-compensation there is no forward work to resume;
				// the orphaned task retires instead of requeueing.
				if inst.status == StatusCompensating {
					if err := g.MarkCancelled(t.ID); err != nil {
						continue
					}
				} else if err := g.Requeue(t.ID); err != nil {
					continue
				}
			case task.StateRetrying:
				if err := g.MarkReady(t.ID); err != nil {
					continue
				}
			case task.StateDeadLettered:
				history, herr := r.store.ListFailures(ctx, t.ID)
				if herr != nil {
					r.logger.Error("failed to load failure history",
						zap.String("task", t.ID), zap.Error(herr))
				}
				inst.failures[t.ID] = history
				r.dlq.Add(t, history, "restored after restart")
				continue
			default:
				if t.Attempts > 0 {
					history, herr := r.store.ListFailures(ctx, t.ID)
					if herr == nil && len(history) > 0 {
						inst.failures[t.ID] = history
					}
				}
				continue
			}
			cur, _ := g.Get(t.ID)
			updated = append(updated, cur)
		}

		// Promote anything whose dependencies completed before the
		// crash but that never got marked READY.
		if !inst.status.Terminal() && inst.status != StatusCompensating {
			for _, e := range g.Eligible() {
				if err := g.MarkReady(e.ID); err != nil {
					continue
				}
				cur, _ := g.Get(e.ID)
				updated = append(updated, cur)
			}
			for _, t := range g.Tasks() {
				if t.State == task.StateReady {
					ready = append(ready, t)
				}
			}
		}

		if inst.status == StatusPaused {
			r.queue.Hold(rec.ID)
		}

		r.mu.Lock()
		r.instances[rec.ID] = inst
		r.mu.Unlock()

		r.persistTasks(updated...)
		for _, t := range ready {
			r.queue.Enqueue(t)
		}

		if inst.status == StatusCompensating {
			completed := inst.completedInOrder()
			vars := copyVars(inst.vars)
			r.wg.Add(1)
			go r.runRollback(inst, completed, vars)
		}

		restored++
		r.logger.Info("instance recovered",
			zap.String("instance", rec.ID),
			zap.String("status", string(inst.status)),
			zap.Int("tasks", len(tasks)),
			zap.Int("requeued", len(ready)))
	}

	r.logger.Info("recovery complete",
		zap.Int("instances", restored),
		zap.Int("dead_letters", r.dlq.Len()))
	return nil
}
