// Package saga rolls a failed instance back by running the compensation
// handler of every completed task, most recently completed first.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/worker"
)

// CompensationError records one compensation that exhausted its budget.
type CompensationError struct {
	TaskID  string
	Handler string
	Err     error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensation %s for task %s: %v", e.Handler, e.TaskID, e.Err)
}

// Outcome summarizes one rollback pass.
type Outcome struct {
	Attempted   int
	Compensated []string
	Failed      []CompensationError
}

// Clean reports whether every attempted compensation succeeded.
func (o Outcome) Clean() bool {
	return len(o.Failed) == 0
}

// Config bounds compensation execution. Compensations get their own
// small retry budget; they are the last line of defense and a transient
// blip should not leave half-undone state behind.
type Config struct {
	MaxRetries     uint64
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig allows two retries with short backoff and a one minute
// cap per handler call.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: time.Minute,
	}
}

// Coordinator executes rollbacks. Compensation handlers live in the same
// registry as forward handlers, under their own type names.
type Coordinator struct {
	cfg      Config
	registry *worker.Registry
	dlq      *resilience.DeadLetterQueue
	logger   *zap.Logger
}

// New creates a coordinator.
func New(cfg Config, reg *worker.Registry, dlq *resilience.DeadLetterQueue, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, registry: reg, dlq: dlq, logger: logger}
}

// Rollback compensates the given tasks in reverse of the order they
// appear, so callers pass completion order. Tasks that declare no
// compensation are skipped. A failed compensation is dead-lettered and
// recorded, and the rollback continues with the remaining tasks.
// Rollback is synchronous.
func (c *Coordinator) Rollback(ctx context.Context, completed []*task.Task, vars map[string]any) Outcome {
	var out Outcome
	for i := len(completed) - 1; i >= 0; i-- {
		orig := completed[i]
		if orig.Compensate == "" {
			continue
		}
		out.Attempted++

		if err := c.compensate(ctx, orig, vars); err != nil {
			out.Failed = append(out.Failed, CompensationError{
				TaskID:  orig.ID,
				Handler: orig.Compensate,
				Err:     err,
			})
			c.dlq.Add(compensationTask(orig), nil,
				fmt.Sprintf("compensation %s failed: %v", orig.Compensate, err))
			c.logger.Error("compensation failed",
				zap.String("task", orig.ID),
				zap.String("handler", orig.Compensate),
				zap.Error(err))
			continue
		}

		out.Compensated = append(out.Compensated, orig.ID)
		c.logger.Info("task compensated",
			zap.String("task", orig.ID),
			zap.String("handler", orig.Compensate))
	}
	return out
}

func (c *Coordinator) compensate(ctx context.Context, orig *task.Task, vars map[string]any) error {
	h, ok := c.registry.Get(orig.Compensate)
	if !ok {
		return task.Permanent(fmt.Errorf("no handler registered for compensation type %q", orig.Compensate))
	}

	inv := worker.Invocation{Task: *compensationTask(orig), Vars: vars}
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		err := c.run(attemptCtx, h, inv)
		if err != nil && task.Classify(err) == task.ClassPermanent {
			return backoff.Permanent(err)
		}
		return err
	}

	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = c.cfg.BaseDelay
	pol.MaxInterval = c.cfg.MaxDelay
	pol.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(pol, c.cfg.MaxRetries), ctx))
}

func (c *Coordinator) run(ctx context.Context, h worker.Handler, inv worker.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = task.Permanent(fmt.Errorf("compensation handler panicked: %v", r))
		}
	}()
	_, err = h.Execute(ctx, inv)
	return err
}

// compensationTask is the synthetic task a compensation runs as. It
// inherits the original payload so the handler can see what it undoes.
func compensationTask(orig *task.Task) *task.Task {
	t := orig.Clone()
	t.ID = orig.ID + ":compensate"
	t.Name = orig.Name + " (compensate)"
	t.Type = orig.Compensate
	t.State = task.StateFailed
	t.Compensate = ""
	t.DependsOn = nil
	t.ClaimedBy = ""
	return t
}
