package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s", "2m"). A bare JSON number is taken as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CoordinatorConfig bounds the dispatch loop.
type CoordinatorConfig struct {
	MaxConcurrency  int      `json:"max_concurrency"`  // Max tasks in progress under this coordinator
	LivenessTimeout Duration `json:"liveness_timeout"` // Silence after which a worker is dead
	TickInterval    Duration `json:"tick_interval"`
	SweepInterval   Duration `json:"sweep_interval"`
	WorkerPrefix    string   `json:"worker_prefix"`
}

// ExecutorConfig describes how a worker process is launched. Command and
// Args are templates over the task and worker ID.
type ExecutorConfig struct {
	Name              string            `json:"name,omitempty"`
	Command           string            `json:"command,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	WorkDir           string            `json:"work_dir,omitempty"`
	Skills            []string          `json:"skills,omitempty"` // Offered to tasks with requires; empty takes everything
	HeartbeatInterval Duration          `json:"heartbeat_interval"`
}

// RetryConfig is the backoff for transient store errors.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// BreakerConfig configures the per-executor circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
}

// Config is the top-level configuration.
type Config struct {
	StorePath   string            `json:"store_path"`
	StatePath   string            `json:"state_path"` // SQLite heartbeats and provenance
	LockTimeout Duration          `json:"lock_timeout"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Executor    ExecutorConfig    `json:"executor"`
	Retry       RetryConfig       `json:"retry"`
	Breaker     BreakerConfig     `json:"breaker"`
}
