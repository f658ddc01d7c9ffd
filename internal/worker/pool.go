package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/queue"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/task"
)

// Coordinator is the pool's view of the runtime. The pool executes
// tasks; everything about instance state, retries, and persistence
// stays on the other side of this seam.
type Coordinator interface {
	// Begin hands the pool an execution context and a shared-variable
	// snapshot for a claimed task. ok is false when the instance is
	// gone and the task should be dropped without a report.
	Begin(t *task.Task) (ctx context.Context, vars map[string]any, ok bool)

	// Report delivers the outcome of one execution attempt. The
	// coordinator discards reports for claims it no longer recognizes,
	// so a worker revived after being presumed dead cannot double-count
	// its task.
	Report(ctx context.Context, t *task.Task, res Result, execErr error, workerID string)

	// WorkerLost records that a worker missed its heartbeat deadline
	// while holding a claim.
	WorkerLost(taskID, instanceID, workerID string)
}

// PoolConfig sizes the pool and its supervision timings.
type PoolConfig struct {
	MinWorkers int
	MaxWorkers int

	HeartbeatInterval time.Duration // how often a live worker beats
	HeartbeatTimeout  time.Duration // silence past this means the worker is dead
	SuperviseEvery    time.Duration // supervisor scan cadence

	GrowDepth   int // queue depth that counts as pressure
	GrowAfter   int // consecutive pressured scans before adding a worker
	ShrinkIdle  int // idle workers that count as excess
	ShrinkAfter int // consecutive excess scans before retiring one

	DefaultTaskTimeout time.Duration // for tasks that declare no MaxDuration
}

// DefaultPoolConfig returns the sizing used when the operator configures
// nothing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers:         2,
		MaxWorkers:         8,
		HeartbeatInterval:  time.Second,
		HeartbeatTimeout:   10 * time.Second,
		SuperviseEvery:     time.Second,
		GrowDepth:          4,
		GrowAfter:          3,
		ShrinkIdle:         2,
		ShrinkAfter:        10,
		DefaultTaskTimeout: time.Minute,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.SuperviseEvery <= 0 {
		c.SuperviseEvery = def.SuperviseEvery
	}
	if c.GrowDepth <= 0 {
		c.GrowDepth = def.GrowDepth
	}
	if c.GrowAfter <= 0 {
		c.GrowAfter = def.GrowAfter
	}
	if c.ShrinkIdle <= 0 {
		c.ShrinkIdle = def.ShrinkIdle
	}
	if c.ShrinkAfter <= 0 {
		c.ShrinkAfter = def.ShrinkAfter
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	return c
}

type workerState struct {
	id     string
	cancel context.CancelFunc

	// guarded by Pool.mu
	lastBeat     time.Time
	busyTask     string
	busyInstance string
}

type outcome struct {
	res Result
	err error
}

// Pool owns the worker goroutines. Each worker loops dequeue, execute,
// report. The worker goroutine itself keeps beating while a handler
// runs in a child goroutine, so a stalled heartbeat means the worker is
// really gone, not merely slow. A supervisor reaps dead workers,
// requeues their claims through the coordinator, and resizes the pool
// between MinWorkers and MaxWorkers under sustained pressure.
type Pool struct {
	cfg         PoolConfig
	queue       *queue.Queue
	registry    *Registry
	breakers    *resilience.BreakerRegistry
	coordinator Coordinator
	logger      *zap.Logger

	mu      sync.Mutex
	workers map[string]*workerState
	nextID  int
	closed  bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool wires a pool to its queue, handler registry, breaker registry,
// and coordinator.
func NewPool(cfg PoolConfig, q *queue.Queue, reg *Registry, breakers *resilience.BreakerRegistry, coord Coordinator, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:         cfg.withDefaults(),
		queue:       q,
		registry:    reg,
		breakers:    breakers,
		coordinator: coord,
		logger:      logger,
		workers:     make(map[string]*workerState),
	}
}

// Start spawns the minimum worker count and the supervisor.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.runCtx != nil {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already started")
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn()
	}
	p.wg.Add(1)
	go p.supervise(p.runCtx)

	p.logger.Info("worker pool started",
		zap.Int("min_workers", p.cfg.MinWorkers),
		zap.Int("max_workers", p.cfg.MaxWorkers))
	return nil
}

// Stop retires all workers and waits for them. Executions already in
// flight run to completion under their own contexts and report before
// the worker exits.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.runCancel == nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.runCancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Stats reports the pool's current shape.
type Stats struct {
	Workers    int
	Busy       int
	QueueDepth int
}

// Stats returns a snapshot of worker and queue occupancy.
func (p *Pool) Stats() Stats {
	depth := p.queue.Len()
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, ws := range p.workers {
		if ws.busyTask != "" {
			busy++
		}
	}
	return Stats{Workers: len(p.workers), Busy: busy, QueueDepth: depth}
}

func (p *Pool) spawn() {
	p.mu.Lock()
	if p.closed || p.runCtx == nil || p.runCtx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.nextID++
	id := fmt.Sprintf("worker-%d", p.nextID)
	wctx, cancel := context.WithCancel(p.runCtx)
	ws := &workerState{id: id, cancel: cancel, lastBeat: time.Now()}
	p.workers[id] = ws
	p.wg.Add(1)
	p.mu.Unlock()

	go p.runWorker(wctx, ws)
}

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

func (p *Pool) beat(id string) {
	p.mu.Lock()
	if ws, ok := p.workers[id]; ok {
		ws.lastBeat = time.Now()
	}
	p.mu.Unlock()
}

func (p *Pool) setBusy(id string, t *task.Task) {
	p.mu.Lock()
	if ws, ok := p.workers[id]; ok {
		ws.lastBeat = time.Now()
		ws.busyTask = t.ID
		ws.busyInstance = t.InstanceID
	}
	p.mu.Unlock()
}

func (p *Pool) setIdle(id string) {
	p.mu.Lock()
	if ws, ok := p.workers[id]; ok {
		ws.lastBeat = time.Now()
		ws.busyTask = ""
		ws.busyInstance = ""
	}
	p.mu.Unlock()
}

func (p *Pool) runWorker(ctx context.Context, ws *workerState) {
	defer p.wg.Done()
	defer p.forget(ws.id)
	p.logger.Debug("worker started", zap.String("worker", ws.id))

	for {
		p.beat(ws.id)
		t, err := p.queue.Dequeue(ctx, ws.id)
		if err != nil {
			p.logger.Debug("worker stopping", zap.String("worker", ws.id), zap.Error(err))
			return
		}
		p.setBusy(ws.id, t)
		p.execute(t, ws.id)
		p.setIdle(ws.id)
	}
}

// execute runs one claimed task end to end and reports the outcome.
// Reporting uses a background context so book-keeping still lands when
// the pool is draining.
func (p *Pool) execute(t *task.Task, workerID string) {
	start := time.Now()

	handler, ok := p.registry.Get(t.Type)
	if !ok {
		err := task.Permanent(fmt.Errorf("no handler registered for task type %q", t.Type))
		p.coordinator.Report(context.Background(), t, Result{}, err, workerID)
		return
	}

	instCtx, vars, ok := p.coordinator.Begin(t)
	if !ok {
		return
	}

	timeout := t.MaxDuration
	if timeout <= 0 {
		timeout = p.cfg.DefaultTaskTimeout
	}
	execCtx, cancel := context.WithTimeout(instCtx, timeout)
	defer cancel()

	inv := Invocation{Task: *t, Vars: vars}
	cb := p.breakers.Get(t.Type)
	out, err := cb.Execute(func() (interface{}, error) {
		return p.attempt(execCtx, workerID, handler, inv)
	})
	res, _ := out.(Result)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", task.ErrTimedOut, timeout)
	}

	dur := time.Since(start)
	switch {
	case err == nil:
		p.logger.Debug("task completed",
			zap.String("worker", workerID),
			zap.String("task", t.ID),
			zap.Duration("duration", dur))
	case resilience.IsOpen(err):
		p.logger.Warn("task rejected by open circuit",
			zap.String("worker", workerID),
			zap.String("task", t.ID),
			zap.String("task_type", t.Type))
	default:
		p.logger.Warn("task failed",
			zap.String("worker", workerID),
			zap.String("task", t.ID),
			zap.Duration("duration", dur),
			zap.Error(err))
	}

	p.coordinator.Report(context.Background(), t, res, err, workerID)
}

// attempt runs the handler in a child goroutine while the worker
// goroutine keeps beating. On timeout or cancellation the handler
// goroutine is abandoned; its eventual send lands in the buffered
// channel and is collected with it.
func (p *Pool) attempt(ctx context.Context, workerID string, h Handler, inv Invocation) (Result, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: task.Permanent(fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		res, err := h.Execute(ctx, inv)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case o := <-done:
			return o.res, o.err
		case <-ticker.C:
			p.beat(workerID)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (p *Pool) supervise(ctx context.Context) {
	defer p.wg.Done()
	policy := newScalePolicy(p.cfg)
	ticker := time.NewTicker(p.cfg.SuperviseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.reapDead()
		p.resize(policy)
	}
}

// reapDead removes workers whose heartbeat went stale while they held a
// claim and hands their tasks back to the coordinator. Idle workers sit
// blocked on the queue and beat only around work, so staleness alone is
// not death for them.
func (p *Pool) reapDead() {
	cutoff := time.Now().Add(-p.cfg.HeartbeatTimeout)

	p.mu.Lock()
	var lost []*workerState
	for id, ws := range p.workers {
		if ws.busyTask != "" && ws.lastBeat.Before(cutoff) {
			lost = append(lost, ws)
			delete(p.workers, id)
		}
	}
	p.mu.Unlock()

	for _, ws := range lost {
		ws.cancel()
		p.logger.Warn("worker presumed dead, releasing its claim",
			zap.String("worker", ws.id),
			zap.String("task", ws.busyTask))
		p.coordinator.WorkerLost(ws.busyTask, ws.busyInstance, ws.id)
	}
	if len(lost) > 0 {
		p.ensureMin()
	}
}

func (p *Pool) ensureMin() {
	p.mu.Lock()
	deficit := p.cfg.MinWorkers - len(p.workers)
	p.mu.Unlock()
	for i := 0; i < deficit; i++ {
		p.spawn()
	}
}

func (p *Pool) resize(policy *scalePolicy) {
	depth := p.queue.Len()

	p.mu.Lock()
	idle, total := 0, len(p.workers)
	var victim *workerState
	for _, ws := range p.workers {
		if ws.busyTask == "" {
			idle++
			victim = ws
		}
	}
	p.mu.Unlock()

	switch policy.observe(depth, idle, total) {
	case scaleGrow:
		p.logger.Info("scaling up",
			zap.Int("workers", total+1),
			zap.Int("queue_depth", depth))
		p.spawn()
	case scaleShrink:
		if victim != nil {
			p.logger.Info("scaling down",
				zap.Int("workers", total-1),
				zap.String("worker", victim.id))
			victim.cancel()
		}
	}
}
