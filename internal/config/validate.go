package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/taskgraph/internal/coordinator"
	"github.com/aristath/taskgraph/internal/executor"
)

// Validate reports the first setting that can't work.
func (c *Config) Validate() error {
	switch {
	case c.StorePath == "":
		return errors.New("store_path is required")
	case c.StatePath == "":
		return errors.New("state_path is required")
	case c.LockTimeout <= 0:
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout.Std())
	case c.Coordinator.MaxConcurrency <= 0:
		return fmt.Errorf("coordinator.max_concurrency must be positive, got %d", c.Coordinator.MaxConcurrency)
	case c.Coordinator.LivenessTimeout <= 0:
		return fmt.Errorf("coordinator.liveness_timeout must be positive, got %s", c.Coordinator.LivenessTimeout.Std())
	case c.Coordinator.TickInterval <= 0 || c.Coordinator.SweepInterval <= 0:
		return errors.New("coordinator tick_interval and sweep_interval must be positive")
	case c.Executor.HeartbeatInterval <= 0:
		return fmt.Errorf("executor.heartbeat_interval must be positive, got %s", c.Executor.HeartbeatInterval.Std())
	case c.Executor.HeartbeatInterval >= c.Coordinator.LivenessTimeout:
		return fmt.Errorf("executor.heartbeat_interval (%s) must be shorter than coordinator.liveness_timeout (%s)",
			c.Executor.HeartbeatInterval.Std(), c.Coordinator.LivenessTimeout.Std())
	case c.Retry.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	case c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1:
		return fmt.Errorf("retry.randomization_factor must be in [0, 1], got %g", c.Retry.RandomizationFactor)
	}
	return nil
}

// CoordinatorSettings converts the config for coordinator.New.
func (c *Config) CoordinatorSettings(exitWhenIdle bool) coordinator.Config {
	return coordinator.Config{
		MaxConcurrency:  c.Coordinator.MaxConcurrency,
		LivenessTimeout: c.Coordinator.LivenessTimeout.Std(),
		TickInterval:    c.Coordinator.TickInterval.Std(),
		SweepInterval:   c.Coordinator.SweepInterval.Std(),
		WorkerPrefix:    c.Coordinator.WorkerPrefix,
		ExitWhenIdle:    exitWhenIdle,
		Retry: coordinator.RetryConfig{
			InitialInterval:     c.Retry.InitialInterval.Std(),
			MaxInterval:         c.Retry.MaxInterval.Std(),
			MaxElapsedTime:      c.Retry.MaxElapsedTime.Std(),
			Multiplier:          c.Retry.Multiplier,
			RandomizationFactor: c.Retry.RandomizationFactor,
		},
		Breaker: coordinator.BreakerConfig{
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
			OpenTimeout:         c.Breaker.OpenTimeout.Std(),
		},
	}
}

// ExecutorSettings converts the config for executor.New. Env entries are
// sorted by key.
func (c *Config) ExecutorSettings() executor.Config {
	keys := make([]string, 0, len(c.Executor.Env))
	for k := range c.Executor.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Executor.Env[k])
	}

	return executor.Config{
		Name:              c.Executor.Name,
		Command:           c.Executor.Command,
		Args:              c.Executor.Args,
		WorkDir:           c.Executor.WorkDir,
		Env:               env,
		StorePath:         c.StorePath,
		HeartbeatInterval: c.Executor.HeartbeatInterval.Std(),
	}
}
