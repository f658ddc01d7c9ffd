package config

import "time"

// DefaultConfig returns the configuration used when the operator
// provides nothing. Values mirror the package-level defaults of the
// worker pool, retry policy, and circuit breakers.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Workers: WorkerConfig{
			Min:                2,
			Max:                8,
			HeartbeatInterval:  Duration(time.Second),
			HeartbeatTimeout:   Duration(10 * time.Second),
			DefaultTaskTimeout: Duration(time.Minute),
		},
		Retry: RetryConfig{
			BaseDelay:  Duration(100 * time.Millisecond),
			MaxDelay:   Duration(10 * time.Second),
			Multiplier: 2.0,
			Jitter:     0.2,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
			Cooldown:            Duration(30 * time.Second),
			HalfOpenRequests:    3,
		},
		Store: StoreConfig{
			Path: "", // in-memory unless pointed at a file
		},
		Broker: BrokerConfig{
			SubmitStream: "conductor:submit",
			ResultStream: "conductor:results",
			Group:        "conductor",
		},
		Retention: RetentionConfig{
			TTL:        0, // keep finished instances until deleted
			SweepEvery: Duration(time.Minute),
		},
	}
}
