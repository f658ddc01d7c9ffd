// Command conductor runs the workflow daemon: it restores persisted
// instances, starts the worker pool, registers built-in handlers, and
// (when configured) serves workflow submissions from Redis streams.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/adapter"
	"github.com/aristath/conductor/internal/builtin"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/log"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/runtime"
	"github.com/aristath/conductor/internal/saga"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file to use instead of the conventional locations")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	if *configPath != "" {
		if cfg, err = config.Load("", *configPath); err != nil {
			return err
		}
	}

	logger := log.New(cfg.LogLevel)
	defer logger.Sync()
	log.SetGlobal(logger)

	var st store.Store
	if cfg.Store.Path != "" {
		if st, err = store.NewSQLiteStore(ctx, cfg.Store.Path); err != nil {
			return err
		}
		defer st.Close()
		logger.Info("store opened", zap.String("path", cfg.Store.Path))
	}

	rt, err := runtime.New(runtime.Options{
		Logger: logger,
		Store:  st,
		Pool: worker.PoolConfig{
			MinWorkers:         cfg.Workers.Min,
			MaxWorkers:         cfg.Workers.Max,
			HeartbeatInterval:  cfg.Workers.HeartbeatInterval.Std(),
			HeartbeatTimeout:   cfg.Workers.HeartbeatTimeout.Std(),
			DefaultTaskTimeout: cfg.Workers.DefaultTaskTimeout.Std(),
			GrowDepth:          cfg.Workers.GrowDepth,
			GrowAfter:          cfg.Workers.GrowAfter,
			ShrinkIdle:         cfg.Workers.ShrinkIdle,
			ShrinkAfter:        cfg.Workers.ShrinkAfter,
		},
		Retry: resilience.RetryConfig{
			BaseDelay:  cfg.Retry.BaseDelay.Std(),
			MaxDelay:   cfg.Retry.MaxDelay.Std(),
			Multiplier: cfg.Retry.Multiplier,
			Jitter:     cfg.Retry.Jitter,
			MaxRetries: cfg.Retry.MaxRetries,
		},
		Breaker: resilience.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			FailureRatio:        cfg.Breaker.FailureRatio,
			MinRequests:         cfg.Breaker.MinRequests,
			Cooldown:            cfg.Breaker.Cooldown.Std(),
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
		// Compensations reuse the forward retry tuning.
		Saga: saga.Config{
			MaxRetries:     uint64(cfg.Retry.MaxRetries),
			BaseDelay:      cfg.Retry.BaseDelay.Std(),
			MaxDelay:       cfg.Retry.MaxDelay.Std(),
			AttemptTimeout: cfg.Workers.DefaultTaskTimeout.Std(),
		},
		RetentionTTL:   cfg.Retention.TTL.Std(),
		RetentionSweep: cfg.Retention.SweepEvery.Std(),
	})
	if err != nil {
		return err
	}

	commands, err := builtin.Register(rt.Registry(), logger)
	if err != nil {
		return err
	}

	if err := rt.Recover(ctx); err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	eg, runCtx := errgroup.WithContext(ctx)

	var broker *adapter.RedisBroker
	if cfg.Broker.Redis != "" {
		broker = adapter.NewRedisBroker(cfg.Broker.Redis, cfg.Broker.Password, cfg.Broker.DB, cfg.Broker.Group, logger)
		if err := broker.Ping(ctx); err != nil {
			rt.Stop()
			return err
		}
		bridge := adapter.New(rt, broker, adapter.Streams{
			Submit:  cfg.Broker.SubmitStream,
			Results: cfg.Broker.ResultStream,
		}, logger)
		eg.Go(func() error { return bridge.Run(runCtx) })
		logger.Info("broker adapter listening",
			zap.String("redis", cfg.Broker.Redis),
			zap.String("stream", cfg.Broker.SubmitStream))
	}

	cron, err := registerSchedules(rt, cfg.Schedules, logger)
	if err != nil {
		rt.Stop()
		return err
	}

	logger.Info("conductor started",
		zap.Int("min_workers", cfg.Workers.Min),
		zap.Int("max_workers", cfg.Workers.Max),
		zap.Int("schedules", len(cfg.Schedules)),
		zap.Bool("broker", broker != nil))

	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received")

	if cron != nil {
		cron.Stop()
	}
	if err := waitWithTimeout(eg, 10*time.Second); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("broker adapter exited with error", zap.Error(err))
	}
	rt.Stop()
	commands.KillAll()
	if broker != nil {
		broker.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

// registerSchedules wires configured cron entries and starts the
// scheduler when any exist.
func registerSchedules(rt *runtime.Runtime, schedules []config.ScheduleConfig, logger *zap.Logger) (*adapter.CronScheduler, error) {
	if len(schedules) == 0 {
		return nil, nil
	}
	cron := adapter.NewCronScheduler(rt, logger)
	for _, sc := range schedules {
		var ws runtime.WorkflowSpec
		if err := json.Unmarshal(sc.Workflow, &ws); err != nil {
			return nil, errors.Wrapf(err, "schedule %q has a malformed workflow", sc.Name)
		}
		if err := cron.Add(sc.Name, sc.Cron, ws); err != nil {
			return nil, err
		}
		logger.Info("schedule registered",
			zap.String("name", sc.Name),
			zap.String("cron", sc.Cron))
	}
	cron.Start()
	return cron, nil
}

func waitWithTimeout(eg *errgroup.Group, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return errors.New("timed out waiting for background tasks")
	}
}
