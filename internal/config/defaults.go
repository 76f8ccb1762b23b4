package config

import (
	"path/filepath"
	"time"
)

// DefaultDir holds the graph, its lock and the state database.
const DefaultDir = ".taskgraph"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StorePath:   filepath.Join(DefaultDir, "graph.jsonl"),
		StatePath:   filepath.Join(DefaultDir, "state.db"),
		LockTimeout: Duration(10 * time.Second),
		Coordinator: CoordinatorConfig{
			MaxConcurrency:  4,
			LivenessTimeout: Duration(2 * time.Minute),
			TickInterval:    Duration(2 * time.Second),
			SweepInterval:   Duration(15 * time.Second),
			WorkerPrefix:    "coord-",
		},
		Executor: ExecutorConfig{
			Name:              "process",
			Env:               map[string]string{},
			HeartbeatInterval: Duration(10 * time.Second),
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(2 * time.Second),
			MaxElapsedTime:      Duration(30 * time.Second),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
	}
}
