// Package runtime wires the task graph scheduler, priority queue,
// worker pool, failure policy, saga coordinator, and store into the
// workflow engine. It owns every state transition: workers execute
// handlers and report back, the runtime decides what happens next.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/queue"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/saga"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/worker"
)

// ErrInstanceNotFound is returned for operations on unknown instances.
var ErrInstanceNotFound = errors.New("instance not found")

// Options configures a Runtime. Zero values get defaults; a nil Store
// means an in-memory store owned (and closed) by the runtime.
type Options struct {
	Logger  *zap.Logger
	Store   store.Store
	Pool    worker.PoolConfig
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
	Saga    saga.Config

	// Classifier overrides the default transient/permanent
	// classification of handler errors.
	Classifier task.Classifier

	// RetentionTTL evicts terminal instances this long after they
	// finish. Zero keeps them until the process exits.
	RetentionTTL   time.Duration
	RetentionSweep time.Duration
}

// Runtime is the workflow engine. One Runtime owns one worker pool,
// one queue, and any number of workflow instances.
type Runtime struct {
	logger   *zap.Logger
	store    store.Store
	ownStore bool

	bus      *events.Bus
	queue    *queue.Queue
	pool     *worker.Pool
	registry *worker.Registry
	policy   *resilience.Policy
	breakers *resilience.BreakerRegistry
	dlq      *resilience.DeadLetterQueue
	saga     *saga.Coordinator
	locks    *scheduler.InstanceLocks

	// cooldown is the breaker's open duration; retry delays stretch to
	// at least this when the failure was a fast-fail from an open
	// breaker, so retries land after the breaker can close again.
	cooldown time.Duration

	retentionTTL   time.Duration
	retentionSweep time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
	started   bool
	stopped   bool

	hookMu    sync.RWMutex
	taskHooks []func(events.TaskEvent)
	instHooks []func(events.InstanceEvent)

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a runtime from the given options. Call Start to spin up
// workers and Stop to drain them.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	st := opts.Store
	ownStore := false
	if st == nil {
		mem, err := store.NewMemoryStore(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "failed to open in-memory store")
		}
		st = mem
		ownStore = true
	}

	cooldown := opts.Breaker.Cooldown
	if cooldown <= 0 {
		cooldown = resilience.DefaultBreakerConfig().Cooldown
	}
	sweep := opts.RetentionSweep
	if sweep <= 0 {
		sweep = time.Minute
	}

	r := &Runtime{
		logger:         logger,
		store:          st,
		ownStore:       ownStore,
		bus:            events.NewBus(),
		registry:       worker.NewRegistry(),
		policy:         resilience.NewPolicy(opts.Retry, opts.Classifier),
		breakers:       resilience.NewBreakerRegistry(opts.Breaker, logger),
		dlq:            resilience.NewDeadLetterQueue(),
		locks:          scheduler.NewInstanceLocks(),
		cooldown:       cooldown,
		retentionTTL:   opts.RetentionTTL,
		retentionSweep: sweep,
		instances:      make(map[string]*instance),
	}
	r.queue = queue.New(r.claim)
	r.pool = worker.NewPool(opts.Pool, r.queue, r.registry, r.breakers, r, logger)
	r.saga = saga.New(opts.Saga, r.registry, r.dlq, logger)
	return r, nil
}

// Registry returns the handler registry. Register handlers before
// submitting work that needs them.
func (r *Runtime) Registry() *worker.Registry { return r.registry }

// Bus returns the event bus for subscribing to lifecycle events.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// PoolStats reports current worker pool gauges.
func (r *Runtime) PoolStats() worker.Stats { return r.pool.Stats() }

// Start spins up the worker pool and the retention janitor.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if err := r.pool.Start(r.runCtx); err != nil {
		return errors.Wrap(err, "failed to start worker pool")
	}
	if r.retentionTTL > 0 {
		r.wg.Add(1)
		go r.janitor(r.runCtx)
	}
	r.logger.Info("runtime started")
	return nil
}

// Stop drains the pool, stops pending retry timers, waits for any
// in-flight compensation, and closes the bus. Idempotent.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	// Pool first so in-flight reports land, then the queue so nothing
	// new is claimed, then the janitor.
	r.pool.Stop()
	r.queue.Close()
	r.runCancel()

	for _, inst := range insts {
		r.locks.Do(inst.id, inst.stopTimersLocked)
	}
	r.wg.Wait()
	r.bus.Close()
	if r.ownStore {
		if err := r.store.Close(); err != nil {
			r.logger.Error("failed to close store", zap.Error(err))
		}
	}
	r.logger.Info("runtime stopped")
}

// OnTaskLifecycle registers a hook called synchronously on every task
// event, before the event reaches the bus. Hooks run outside all locks
// and must not block.
func (r *Runtime) OnTaskLifecycle(fn func(events.TaskEvent)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.taskHooks = append(r.taskHooks, fn)
}

// OnInstanceLifecycle registers a hook for instance status changes.
func (r *Runtime) OnInstanceLifecycle(fn func(events.InstanceEvent)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.instHooks = append(r.instHooks, fn)
}

// instance looks up a registered instance.
func (r *Runtime) instance(id string) *instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id]
}

func (r *Runtime) emitTask(evs ...events.TaskEvent) {
	r.hookMu.RLock()
	hooks := r.taskHooks
	r.hookMu.RUnlock()
	for _, ev := range evs {
		for _, h := range hooks {
			h(ev)
		}
		r.bus.Publish(ev)
	}
}

func (r *Runtime) emitInstance(evs ...events.InstanceEvent) {
	r.hookMu.RLock()
	hooks := r.instHooks
	r.hookMu.RUnlock()
	for _, ev := range evs {
		for _, h := range hooks {
			h(ev)
		}
		r.bus.Publish(ev)
	}
}

// taskEvent builds the transition event for a task's current state.
func taskEvent(t *task.Task) events.TaskEvent {
	ev := events.TaskEvent{
		Type:       events.ForState(t.State),
		TaskID:     t.ID,
		InstanceID: t.InstanceID,
		Name:       t.Name,
		State:      t.State,
		Attempt:    t.Attempts,
		Error:      t.LastError,
		Timestamp:  time.Now(),
	}
	if t.State == task.StateCompleted && !t.StartedAt.IsZero() {
		ev.Duration = t.FinishedAt.Sub(t.StartedAt)
	}
	return ev
}

// instanceEvent builds a status-change event. Caller holds the
// instance lock.
func instanceEvent(inst *instance, typ string) events.InstanceEvent {
	return events.InstanceEvent{
		Type:       typ,
		InstanceID: inst.id,
		Status:     string(inst.status),
		Reason:     inst.reason,
		Timestamp:  time.Now(),
	}
}

// persistTasks writes task snapshots outside any lock. Persistence
// failures are logged, not propagated: the in-memory graph is the
// source of truth while the process lives.
func (r *Runtime) persistTasks(ts ...*task.Task) {
	if len(ts) == 0 {
		return
	}
	if err := r.store.SaveTasks(context.Background(), ts); err != nil {
		r.logger.Error("failed to persist tasks",
			zap.Int("count", len(ts)), zap.Error(err))
	}
}

func (r *Runtime) persistInstance(rec *store.InstanceRecord) {
	if rec == nil {
		return
	}
	if err := r.store.SaveInstance(context.Background(), rec); err != nil {
		r.logger.Error("failed to persist instance",
			zap.String("instance", rec.ID), zap.Error(err))
	}
}

func (r *Runtime) persistFailure(fr task.FailureRecord) {
	if err := r.store.AppendFailure(context.Background(), fr); err != nil {
		r.logger.Error("failed to persist failure record",
			zap.String("task", fr.TaskID), zap.Error(err))
	}
}

// janitor periodically evicts terminal instances past the retention
// TTL.
func (r *Runtime) janitor(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Runtime) sweepExpired() {
	cutoff := time.Now().Add(-r.retentionTTL)

	r.mu.RLock()
	var expired []*instance
	for _, inst := range r.instances {
		r.locks.Lock(inst.id)
		dead := inst.status.Terminal() && !inst.finishedAt.IsZero() && inst.finishedAt.Before(cutoff)
		r.locks.Unlock(inst.id)
		if dead {
			expired = append(expired, inst)
		}
	}
	r.mu.RUnlock()

	for _, inst := range expired {
		r.evict(inst)
	}
}

// evict removes a terminal instance from memory and the store.
func (r *Runtime) evict(inst *instance) {
	r.mu.Lock()
	delete(r.instances, inst.id)
	r.mu.Unlock()

	r.locks.Lock(inst.id)
	tasks := inst.graph.Tasks()
	r.locks.Unlock(inst.id)
	for _, t := range tasks {
		if t.State == task.StateDeadLettered {
			r.dlq.Remove(t.ID)
		}
	}

	if err := r.store.DeleteInstance(context.Background(), inst.id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("failed to delete expired instance",
			zap.String("instance", inst.id), zap.Error(err))
	}
	r.locks.Forget(inst.id)
	inst.cancel()
	r.logger.Info("instance expired",
		zap.String("instance", inst.id),
		zap.String("status", string(inst.status)))
}

// GetStatus returns a snapshot of one instance.
func (r *Runtime) GetStatus(instanceID string) (*InstanceView, error) {
	inst := r.instance(instanceID)
	if inst == nil {
		return nil, errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}
	r.locks.Lock(instanceID)
	defer r.locks.Unlock(instanceID)
	return inst.view(), nil
}

// ExecutionPlan returns the instance's tasks grouped into parallel
// batches in dependency order. Tasks in the same batch have no path
// between them and may run concurrently.
func (r *Runtime) ExecutionPlan(instanceID string) ([][]string, error) {
	inst := r.instance(instanceID)
	if inst == nil {
		return nil, errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}
	r.locks.Lock(instanceID)
	defer r.locks.Unlock(instanceID)
	return inst.graph.Plan(), nil
}

// Instances returns snapshots of every registered instance, oldest
// first.
func (r *Runtime) Instances() []*InstanceView {
	r.mu.RLock()
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	views := make([]*InstanceView, 0, len(insts))
	for _, inst := range insts {
		r.locks.Lock(inst.id)
		views = append(views, inst.view())
		r.locks.Unlock(inst.id)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// DeadLetters returns the current dead-letter entries, oldest first.
func (r *Runtime) DeadLetters() []*resilience.DeadLetter {
	return r.dlq.List()
}

// QueueDepth reports how many tasks are waiting for a worker.
func (r *Runtime) QueueDepth() int { return r.queue.Len() }

func deadLetterReason(c task.Class, attempts int, detail string) string {
	if c == task.ClassPermanent {
		return fmt.Sprintf("permanent failure: %s", detail)
	}
	return fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempts, detail)
}
