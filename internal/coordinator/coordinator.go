// Package coordinator runs the dispatch loop: snapshot the graph, pick ready
// tasks, claim each under a fresh worker ID and hand it to an executor. A
// periodic sweep returns tasks held by silent workers to the ready pool.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/store"
)

// Executor starts external work for a claimed task. Spawn returns once the
// work has been started; the worker later reports through the claim
// protocol and emits heartbeats while it runs. ctx bounds only the start:
// it is cancelled when the tick finishes, so the work itself must not be
// tied to it.
type Executor interface {
	Name() string
	Spawn(ctx context.Context, task scheduler.Task, workerID string) error
}

// Liveness is the heartbeat registry the sweep consults.
type Liveness interface {
	BeatAt(ctx context.Context, workerID, taskID string, at time.Time) error
	LastSeen(ctx context.Context, workerID string) (time.Time, bool, error)
}

// Config configures a Coordinator.
type Config struct {
	MaxConcurrency  int           // Max tasks in progress under this coordinator's workers (default 4)
	LivenessTimeout time.Duration // Silence after which a worker is considered dead (default 2m)
	TickInterval    time.Duration // Delay between ticks (default 2s)
	SweepInterval   time.Duration // Delay between dead-worker sweeps (default 15s)
	WorkerPrefix    string        // Prefix of worker IDs minted here (default "coord-")
	ExitWhenIdle    bool          // Run returns once nothing is ready, in progress or deferred
	Retry           RetryConfig
	Breaker         BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 2 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.WorkerPrefix == "" {
		c.WorkerPrefix = "coord-"
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	return c
}

// Coordinator dispatches ready tasks to an Executor.
type Coordinator struct {
	cfg      Config
	protocol *claim.Protocol
	exec     Executor
	live     Liveness
	matcher  Matcher
	bus      *events.EventBus
	breakers *CircuitBreakerRegistry
	now      func() time.Time

	lastSweep time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMatcher restricts which ready tasks this coordinator takes.
func WithMatcher(m Matcher) Option {
	return func(c *Coordinator) { c.matcher = m }
}

// WithEventBus publishes dispatch activity on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithClock overrides time.Now for readiness, heartbeats and liveness
// deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(cfg Config, p *claim.Protocol, exec Executor, live Liveness, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		protocol: p,
		exec:     exec,
		live:     live,
		matcher:  MatchAll{},
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickResult summarizes one tick.
type TickResult struct {
	Ready      int      // Ready tasks observed
	InProgress int      // In-progress tasks observed (any worker)
	Dispatched []string // Task IDs claimed and spawned
	Skipped    []string // Task IDs someone else claimed first
	Failed     []string // Task IDs whose spawn failed (claim rolled back)
	Idle       bool     // Nothing ready, in progress or deferred
}

// Tick runs one observe-orient-decide-act pass.
func (c *Coordinator) Tick(ctx context.Context) (TickResult, error) {
	// Observe
	var g *scheduler.Graph
	err := withRetry(ctx, c.cfg.Retry, func() error {
		var err error
		g, err = c.protocol.Store().Snapshot(ctx)
		return err
	})
	if err != nil {
		return TickResult{}, fmt.Errorf("snapshot: %w", err)
	}

	// Orient
	now := c.now().UTC()
	readyIDs := scheduler.Ready(g, now)
	res := TickResult{Ready: len(readyIDs)}
	ours, deferred := 0, 0
	for _, task := range g.Tasks() {
		switch {
		case task.Status == scheduler.StatusInProgress:
			res.InProgress++
			if strings.HasPrefix(task.AssignedTo, c.cfg.WorkerPrefix) {
				ours++
			}
		case task.Status == scheduler.StatusOpen && task.NotBefore != nil && now.Before(*task.NotBefore):
			deferred++
		}
	}
	res.Idle = res.Ready == 0 && res.InProgress == 0 && deferred == 0
	c.publishProgress(g, res.Ready, now)

	// Decide
	capacity := c.cfg.MaxConcurrency - ours
	if capacity <= 0 || len(readyIDs) == 0 {
		return res, nil
	}
	cb := c.breakers.Get(c.exec.Name())
	if cb.State() == gobreaker.StateOpen {
		log.Printf("WARNING: executor %q circuit open, skipping dispatch of %d ready task(s)", c.exec.Name(), len(readyIDs))
		return res, nil
	}

	var picked []scheduler.Task
	for _, id := range readyIDs {
		if len(picked) == capacity {
			break
		}
		task, _ := g.Task(id)
		if c.matcher.Match(*task) {
			picked = append(picked, *task.Clone())
		}
	}

	// Act
	var mu sync.Mutex
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.MaxConcurrency)
	for _, task := range picked {
		task := task
		eg.Go(func() error {
			outcome := c.dispatch(egctx, task, cb)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case dispatched:
				res.Dispatched = append(res.Dispatched, task.ID)
			case skipped:
				res.Skipped = append(res.Skipped, task.ID)
			case failed:
				res.Failed = append(res.Failed, task.ID)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(res.Dispatched) > 0 {
		res.Idle = false
	}
	return res, ctx.Err()
}

type dispatchOutcome int

const (
	dispatched dispatchOutcome = iota
	skipped
	failed
)

// dispatch claims task under a new worker ID and spawns it. A failed spawn
// unclaims the task again, guarded by the worker ID so a task someone else
// has since taken is left alone.
func (c *Coordinator) dispatch(ctx context.Context, task scheduler.Task, cb *gobreaker.CircuitBreaker) dispatchOutcome {
	workerID := c.newWorkerID()

	var claimed claim.Outcome
	err := withRetry(ctx, c.cfg.Retry, func() error {
		var err error
		claimed, err = c.protocol.Claim(ctx, task.ID, workerID, claim.ClaimOptions{})
		return err
	})
	switch {
	case errors.Is(err, claim.ErrAlreadyClaimed), errors.Is(err, claim.ErrNotReady), errors.Is(err, claim.ErrNotFound):
		return skipped
	case err != nil:
		log.Printf("ERROR: failed to claim task %q: %v", task.ID, err)
		return failed
	}

	if err := c.live.BeatAt(ctx, workerID, task.ID, c.now().UTC()); err != nil {
		log.Printf("WARNING: failed to record initial heartbeat for %s: %v", workerID, err)
	}

	spawnErr := spawnThroughBreaker(ctx, c.exec, claimed.Task, workerID, cb)
	if spawnErr == nil {
		c.bus.Publish(events.TopicTask, events.TaskDispatchedEvent{
			ID:        task.ID,
			Title:     task.Title,
			WorkerID:  workerID,
			Timestamp: c.now(),
		})
		return dispatched
	}

	log.Printf("ERROR: failed to spawn task %q as %s: %v", task.ID, workerID, spawnErr)
	rolledBack := true
	// Roll back even if the tick's context is done; a stuck claim would wait
	// for the sweep.
	rollbackCtx := context.WithoutCancel(ctx)
	err = withRetry(rollbackCtx, c.cfg.Retry, func() error {
		_, err := c.protocol.Unclaim(rollbackCtx, task.ID, claim.UnclaimOptions{
			ExpectWorker: workerID,
			Reason:       "spawn failed: " + spawnErr.Error(),
		})
		return err
	})
	if err != nil && !errors.Is(err, claim.ErrAlreadyClaimed) && !errors.Is(err, claim.ErrNotInProgress) {
		rolledBack = false
		log.Printf("ERROR: failed to roll back claim on task %q: %v", task.ID, err)
	}

	c.bus.Publish(events.TopicTask, events.TaskDispatchFailedEvent{
		ID:         task.ID,
		WorkerID:   workerID,
		Err:        spawnErr,
		RolledBack: rolledBack,
		Timestamp:  c.now(),
	})
	return failed
}

func (c *Coordinator) newWorkerID() string {
	return c.cfg.WorkerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Sweep unclaims every in_progress task whose worker missed its liveness
// deadline. A worker that never beat is judged from the task's start time.
// Returns the reclaimed task IDs.
func (c *Coordinator) Sweep(ctx context.Context) ([]string, error) {
	g, err := c.protocol.Store().Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	now := c.now().UTC()
	c.lastSweep = now

	var reclaimed []string
	for _, task := range g.Tasks() {
		if task.Status != scheduler.StatusInProgress {
			continue
		}
		workerID := task.AssignedTo

		lastSeen, ok, err := c.live.LastSeen(ctx, workerID)
		if err != nil {
			log.Printf("ERROR: failed to read heartbeat for %s: %v", workerID, err)
			continue
		}
		reference := lastSeen
		if !ok {
			if task.StartedAt == nil {
				continue
			}
			reference = *task.StartedAt
		}
		if now.Sub(reference) < c.cfg.LivenessTimeout {
			continue
		}

		reason := fmt.Sprintf("worker %s missed heartbeat deadline (last seen %s)", workerID, reference.Format(time.RFC3339))
		if !ok {
			reason = fmt.Sprintf("worker %s never sent a heartbeat (claimed %s)", workerID, reference.Format(time.RFC3339))
		}
		err = withRetry(ctx, c.cfg.Retry, func() error {
			_, err := c.protocol.Unclaim(ctx, task.ID, claim.UnclaimOptions{ExpectWorker: workerID, Reason: reason})
			return err
		})
		switch {
		case errors.Is(err, claim.ErrAlreadyClaimed), errors.Is(err, claim.ErrNotInProgress):
			// Moved on since the snapshot
			continue
		case err != nil:
			if ctx.Err() != nil {
				return reclaimed, ctx.Err()
			}
			log.Printf("ERROR: failed to reclaim task %q from %s: %v", task.ID, workerID, err)
			continue
		}

		log.Printf("WARNING: reclaimed task %q: %s", task.ID, reason)
		reclaimed = append(reclaimed, task.ID)
		var seen time.Time
		if ok {
			seen = lastSeen
		}
		c.bus.Publish(events.TopicTask, events.TaskReclaimedEvent{
			ID:        task.ID,
			WorkerID:  workerID,
			LastSeen:  seen,
			Timestamp: c.now(),
		})
	}
	return reclaimed, nil
}

// Run ticks until ctx is cancelled, sweeping for dead workers every
// SweepInterval. With ExitWhenIdle it returns nil once a tick finds nothing
// left to do. Store errors are logged and the next tick retries.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.lastSweep.IsZero() || c.now().Sub(c.lastSweep) >= c.cfg.SweepInterval {
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: dead-worker sweep failed: %v", err)
			}
		}

		res, err := c.Tick(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && store.IsTransient(err):
			log.Printf("WARNING: tick skipped: %v", err)
		case err != nil:
			log.Printf("ERROR: tick failed: %v", err)
		case c.cfg.ExitWhenIdle && res.Idle:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) publishProgress(g *scheduler.Graph, ready int, now time.Time) {
	counts := g.Counts()
	c.bus.Publish(events.TopicGraph, events.GraphProgressEvent{
		Total:      g.Len(),
		Ready:      ready,
		Open:       counts[scheduler.StatusOpen],
		InProgress: counts[scheduler.StatusInProgress],
		Done:       counts[scheduler.StatusDone],
		Failed:     counts[scheduler.StatusFailed],
		Paused:     counts[scheduler.StatusPaused],
		Abandoned:  counts[scheduler.StatusAbandoned],
		Timestamp:  now,
	})
}
