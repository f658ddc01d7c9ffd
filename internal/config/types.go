// Package config holds the runtime's JSON configuration: worker pool
// sizing, retry and breaker tuning, persistence, broker wiring, and
// retention.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that accepts "30s"-style strings in JSON
// and marshals back the same way. Raw numbers are nanoseconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkerConfig sizes the executor pool.
type WorkerConfig struct {
	Min                int      `json:"min"`                            // workers kept alive at all times
	Max                int      `json:"max"`                            // elastic ceiling
	HeartbeatInterval  Duration `json:"heartbeat_interval,omitempty"`   // how often live workers beat
	HeartbeatTimeout   Duration `json:"heartbeat_timeout,omitempty"`    // silence past this means dead
	DefaultTaskTimeout Duration `json:"default_task_timeout,omitempty"` // for tasks without max_duration
	GrowDepth          int      `json:"grow_depth,omitempty"`           // queue depth counted as pressure
	GrowAfter          int      `json:"grow_after,omitempty"`           // sustained scans before growing
	ShrinkIdle         int      `json:"shrink_idle,omitempty"`          // idle workers counted as excess
	ShrinkAfter        int      `json:"shrink_after,omitempty"`         // sustained scans before shrinking
}

// RetryConfig tunes the failure policy backoff.
type RetryConfig struct {
	BaseDelay  Duration `json:"base_delay,omitempty"`
	MaxDelay   Duration `json:"max_delay,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
	Jitter     float64  `json:"jitter,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"` // default budget for tasks that set none
}

// BreakerConfig tunes the per-task-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures,omitempty"`
	FailureRatio        float64  `json:"failure_ratio,omitempty"`
	MinRequests         uint32   `json:"min_requests,omitempty"`
	Cooldown            Duration `json:"cooldown,omitempty"`
	HalfOpenRequests    uint32   `json:"half_open_requests,omitempty"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Path string `json:"path,omitempty"` // SQLite file; empty means in-memory
}

// BrokerConfig wires the event adapter to Redis streams. An empty
// address disables the adapter entirely.
type BrokerConfig struct {
	Redis        string `json:"redis,omitempty"` // host:port
	Password     string `json:"password,omitempty"`
	DB           int    `json:"db,omitempty"`
	SubmitStream string `json:"submit_stream,omitempty"`
	ResultStream string `json:"result_stream,omitempty"`
	Group        string `json:"group,omitempty"` // consumer group name
}

// RetentionConfig bounds how long finished instances are kept.
type RetentionConfig struct {
	TTL        Duration `json:"ttl,omitempty"`         // zero keeps them forever
	SweepEvery Duration `json:"sweep_every,omitempty"` // janitor cadence
}

// ScheduleConfig submits a workflow on a cron expression. Workflow is
// kept raw here; the daemon decodes it at registration time.
type ScheduleConfig struct {
	Name     string          `json:"name"`
	Cron     string          `json:"cron"`
	Workflow json.RawMessage `json:"workflow"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel  string           `json:"log_level,omitempty"`
	Workers   WorkerConfig     `json:"workers"`
	Retry     RetryConfig      `json:"retry"`
	Breaker   BreakerConfig    `json:"breaker"`
	Store     StoreConfig      `json:"store"`
	Broker    BrokerConfig     `json:"broker"`
	Retention RetentionConfig  `json:"retention"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}
