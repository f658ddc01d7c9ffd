package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the per-task-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // trip after this many failures in a row
	FailureRatio        float64       // or once this ratio of calls failed
	MinRequests         uint32        // calls required before the ratio applies
	Cooldown            time.Duration // open duration before half-open trials
	HalfOpenRequests    uint32        // trial executions allowed while half-open
}

// DefaultBreakerConfig trips after 5 consecutive failures or >50% of 10
// calls, cools down 30s, then admits 3 trial executions.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
		Cooldown:            30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry lazily creates one circuit breaker per task type.
// A type whose handler keeps failing fails fast for the cooldown period
// instead of burning workers on it.
type BreakerRegistry struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = DefaultBreakerConfig().FailureRatio
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = DefaultBreakerConfig().MinRequests
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = DefaultBreakerConfig().HalfOpenRequests
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a task type, creating it on first use.
func (r *BreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	cfg := r.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    0,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("task_type", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// A caller cancellation says nothing about the handler's
			// health. Timeouts do count against it.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return false
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// IsOpen reports whether err is the breaker refusing an execution,
// either fully open or saturated in half-open trials.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
