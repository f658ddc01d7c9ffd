// Package resilience implements the failure policy: retry with
// exponential backoff and jitter, per-task-type circuit breakers, and
// the dead letter queue for tasks that exhaust their budget.
package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/conductor/internal/task"
)

// RetryConfig configures the backoff schedule between retries.
type RetryConfig struct {
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on the computed delay, before jitter
	Multiplier float64       // growth factor per retry
	Jitter     float64       // randomization factor, 0.2 = ±20%
	MaxRetries int           // default retry budget for tasks that set none
}

// DefaultRetryConfig returns the standard schedule: 100ms doubling up
// to 10s, ±20% jitter, three retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
		MaxRetries: task.DefaultMaxRetries,
	}
}

// Decision is the failure policy's verdict on one failed execution.
type Decision struct {
	Class task.Class
	Retry bool
	Delay time.Duration
}

// Policy decides between retry and dead-letter for failed executions.
type Policy struct {
	cfg      RetryConfig
	classify task.Classifier
}

// NewPolicy builds a policy around the given classifier. A nil
// classifier uses the default classification.
func NewPolicy(cfg RetryConfig, classify task.Classifier) *Policy {
	if classify == nil {
		classify = task.Classify
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultRetryConfig().Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Policy{cfg: cfg, classify: classify}
}

// Config returns the policy's effective configuration.
func (p *Policy) Config() RetryConfig { return p.cfg }

// Decide classifies the error and rules on retry eligibility. attempts
// counts executions so far including the one that just failed, so a
// task with maxRetries 3 is retried while attempts <= 3 and
// dead-lettered on its fourth failure.
func (p *Policy) Decide(execErr error, attempts, maxRetries int) Decision {
	d := Decision{Class: p.classify(execErr)}
	if d.Class != task.ClassTransient {
		return d
	}
	if attempts > maxRetries {
		return d
	}
	d.Retry = true
	d.Delay = p.Delay(attempts - 1)
	return d
}

// Delay computes the backoff before retry number retries (zero-based):
// min(MaxDelay, BaseDelay × Multiplier^retries), then ±Jitter. Each
// call draws fresh jitter so synchronized failures fan out on
// re-enqueue.
func (p *Policy) Delay(retries int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = p.cfg.Multiplier
	bo.RandomizationFactor = p.cfg.Jitter
	bo.MaxElapsedTime = 0

	d := bo.NextBackOff()
	for i := 0; i < retries; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Classify exposes the policy's classifier.
func (p *Policy) Classify(err error) task.Class { return p.classify(err) }
