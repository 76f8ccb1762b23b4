package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor records spawns and optionally fails or finishes them.
type fakeExecutor struct {
	mu      sync.Mutex
	spawned []string
	workers map[string]string
	err     error
	onSpawn func(task scheduler.Task, workerID string)
}

func (e *fakeExecutor) Name() string { return "fake" }

func (e *fakeExecutor) Spawn(ctx context.Context, task scheduler.Task, workerID string) error {
	e.mu.Lock()
	e.spawned = append(e.spawned, task.ID)
	if e.workers == nil {
		e.workers = make(map[string]string)
	}
	e.workers[task.ID] = workerID
	err := e.err
	onSpawn := e.onSpawn
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if onSpawn != nil {
		onSpawn(task, workerID)
	}
	return nil
}

func (e *fakeExecutor) Spawned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.spawned...)
	sort.Strings(out)
	return out
}

type fixture struct {
	protocol *claim.Protocol
	live     *persistence.SQLiteStore
	clock    *testClock
	exec     *fakeExecutor
}

func newFixture(t *testing.T, tasks ...claim.NewTask) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "graph.jsonl"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	live, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { live.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := claim.New(s, claim.WithClock(clock.Now), claim.WithRecorder(live))
	if len(tasks) > 0 {
		if _, err := p.Create(context.Background(), tasks...); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	return &fixture{protocol: p, live: live, clock: clock, exec: &fakeExecutor{}}
}

func (f *fixture) coordinator(cfg Config, opts ...Option) *Coordinator {
	cfg.Retry = RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	return New(cfg, f.protocol, f.exec, f.live, opts...)
}

func (f *fixture) task(t *testing.T, id string) scheduler.Task {
	t.Helper()
	task, err := f.protocol.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	return task
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func TestTickDispatchesReadyTasks(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "A"},
		claim.NewTask{ID: "B"},
		claim.NewTask{ID: "C", DependsOn: []string{"A"}},
	)
	bus := events.NewEventBus()
	defer bus.Close()
	dispatchedCh := bus.Subscribe(events.TopicTask, 10)

	c := f.coordinator(Config{MaxConcurrency: 4}, WithEventBus(bus))
	res, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if res.Ready != 2 {
		t.Errorf("expected 2 ready, got %d", res.Ready)
	}
	if got := sorted(res.Dispatched); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected A and B dispatched, got %v", res.Dispatched)
	}

	for _, id := range []string{"A", "B"} {
		task := f.task(t, id)
		if task.Status != scheduler.StatusInProgress || !strings.HasPrefix(task.AssignedTo, "coord-") {
			t.Errorf("expected %s in progress under a coordinator worker, got %+v", id, task)
		}
		if f.exec.workers[id] != task.AssignedTo {
			t.Errorf("executor got worker %q, task assigned to %q", f.exec.workers[id], task.AssignedTo)
		}
		if _, ok, err := f.live.LastSeen(context.Background(), task.AssignedTo); err != nil || !ok {
			t.Errorf("expected initial heartbeat for %s, got ok=%v err=%v", task.AssignedTo, ok, err)
		}
	}
	if c := f.task(t, "C"); c.Status != scheduler.StatusOpen {
		t.Errorf("C must wait for A, got %s", c.Status)
	}

	got := 0
	for i := 0; i < 2; i++ {
		select {
		case ev := <-dispatchedCh:
			if ev.EventType() == events.EventTypeTaskDispatched {
				got++
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if got != 2 {
		t.Errorf("expected 2 dispatch events, got %d", got)
	}
}

func TestTickRespectsConcurrencyLimit(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "A"},
		claim.NewTask{ID: "B"},
		claim.NewTask{ID: "C"},
		claim.NewTask{ID: "D"},
		claim.NewTask{ID: "E"},
	)
	ctx := context.Background()

	// A task held by an outside worker does not use this coordinator's capacity.
	if _, err := f.protocol.Claim(ctx, "E", "human", claim.ClaimOptions{}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	c := f.coordinator(Config{MaxConcurrency: 2})
	res, err := c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := sorted(res.Dispatched); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected the first two ready tasks dispatched, got %v", res.Dispatched)
	}

	res, err = c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(res.Dispatched) != 0 {
		t.Errorf("expected no dispatch at capacity, got %v", res.Dispatched)
	}
	if res.InProgress != 3 {
		t.Errorf("expected 3 in progress, got %d", res.InProgress)
	}
}

func TestTickRollsBackFailedSpawn(t *testing.T) {
	f := newFixture(t, claim.NewTask{ID: "A"})
	f.exec.err = errors.New("binary not found")
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicTask, 10)

	c := f.coordinator(Config{}, WithEventBus(bus))
	res, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "A" {
		t.Fatalf("expected A failed, got %+v", res)
	}

	task := f.task(t, "A")
	if task.Status != scheduler.StatusOpen || task.AssignedTo != "" {
		t.Errorf("expected claim rolled back, got %+v", task)
	}
	last := task.Log[len(task.Log)-1]
	if !strings.Contains(last.Message, "spawn failed: binary not found") {
		t.Errorf("expected rollback log entry, got %q", last.Message)
	}

	select {
	case ev := <-ch:
		failed, ok := ev.(events.TaskDispatchFailedEvent)
		if !ok || !failed.RolledBack {
			t.Errorf("expected rolled back dispatch failure event, got %#v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for dispatch failure event")
	}
}

// racingMatcher claims the task for another worker between the
// coordinator's snapshot and its own claim.
type racingMatcher struct {
	t        *testing.T
	protocol *claim.Protocol
}

func (m racingMatcher) Match(task scheduler.Task) bool {
	if _, err := m.protocol.Claim(context.Background(), task.ID, "other", claim.ClaimOptions{}); err != nil {
		m.t.Errorf("racing claim failed: %v", err)
	}
	return true
}

func TestTickSkipsTaskClaimedByOthers(t *testing.T) {
	f := newFixture(t, claim.NewTask{ID: "A"})

	c := f.coordinator(Config{}, WithMatcher(racingMatcher{t: t, protocol: f.protocol}))
	res, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Dispatched) != 0 {
		t.Errorf("expected A skipped, got %+v", res)
	}
	if len(f.exec.Spawned()) != 0 {
		t.Error("executor must not be called for a lost claim")
	}
	if task := f.task(t, "A"); task.AssignedTo != "other" {
		t.Errorf("expected other to keep the task, got %q", task.AssignedTo)
	}
}

func TestTickMatcherFiltersBySkill(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "gpu", Requires: []string{"cuda"}},
		claim.NewTask{ID: "plain"},
		claim.NewTask{ID: "go", Requires: []string{"go"}},
	)

	c := f.coordinator(Config{}, WithMatcher(NewSkillMatcher([]string{"go", "docker"})))
	res, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := sorted(res.Dispatched); len(got) != 2 || got[0] != "go" || got[1] != "plain" {
		t.Errorf("expected go and plain dispatched, got %v", res.Dispatched)
	}
}

func TestTickDeferredTaskIsNotIdle(t *testing.T) {
	f := newFixture(t, claim.NewTask{ID: "A"})
	if _, err := f.protocol.Defer(context.Background(), "A", f.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Defer failed: %v", err)
	}

	c := f.coordinator(Config{})
	res, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if res.Idle || res.Ready != 0 {
		t.Errorf("expected deferred task to keep the graph busy, got %+v", res)
	}

	f.clock.Advance(2 * time.Hour)
	res, err = c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(res.Dispatched) != 1 {
		t.Errorf("expected A dispatched after deferral, got %+v", res)
	}
}

func TestSweepReclaimsDeadWorker(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "dead"},
		claim.NewTask{ID: "alive"},
		claim.NewTask{ID: "silent"},
	)
	ctx := context.Background()
	for id, worker := range map[string]string{"dead": "W1", "alive": "W2", "silent": "W3"} {
		if _, err := f.protocol.Claim(ctx, id, worker, claim.ClaimOptions{}); err != nil {
			t.Fatalf("Claim %s failed: %v", id, err)
		}
	}
	start := f.clock.Now()
	if err := f.live.BeatAt(ctx, "W1", "dead", start); err != nil {
		t.Fatalf("BeatAt failed: %v", err)
	}

	f.clock.Advance(3 * time.Minute)
	if err := f.live.BeatAt(ctx, "W2", "alive", f.clock.Now()); err != nil {
		t.Fatalf("BeatAt failed: %v", err)
	}

	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicTask, 10)

	c := f.coordinator(Config{LivenessTimeout: 2 * time.Minute}, WithEventBus(bus))
	reclaimed, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := sorted(reclaimed); len(got) != 2 || got[0] != "dead" || got[1] != "silent" {
		t.Fatalf("expected dead and silent reclaimed, got %v", reclaimed)
	}

	dead := f.task(t, "dead")
	if dead.Status != scheduler.StatusOpen || dead.AssignedTo != "" {
		t.Errorf("expected dead task back to open, got %+v", dead)
	}
	if last := dead.Log[len(dead.Log)-1]; !strings.Contains(last.Message, "W1 missed heartbeat") {
		t.Errorf("expected reclaim log entry, got %q", last.Message)
	}
	if silent := f.task(t, "silent"); !strings.Contains(silent.Log[len(silent.Log)-1].Message, "never sent a heartbeat") {
		t.Errorf("expected never-beat reclaim entry, got %+v", silent.Log)
	}
	if alive := f.task(t, "alive"); alive.Status != scheduler.StatusInProgress || alive.AssignedTo != "W2" {
		t.Errorf("live worker must keep its task, got %+v", alive)
	}

	select {
	case ev := <-ch:
		if ev.EventType() != events.EventTypeTaskReclaimed {
			t.Errorf("expected reclaim event, got %s", ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for reclaim event")
	}

	// The reclaimed task is ready again for the next tick.
	res, err := c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := sorted(res.Dispatched); len(got) != 2 {
		t.Errorf("expected reclaimed tasks re-dispatched, got %v", res.Dispatched)
	}
}

func TestRunUntilIdle(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "A"},
		claim.NewTask{ID: "B", DependsOn: []string{"A"}},
		claim.NewTask{ID: "C", DependsOn: []string{"B"}},
	)
	var wg sync.WaitGroup
	f.exec.onSpawn = func(task scheduler.Task, workerID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.protocol.Complete(context.Background(), task.ID, workerID, []string{task.ID + ".out"}); err != nil {
				t.Errorf("Complete %s failed: %v", task.ID, err)
			}
		}()
	}

	c := f.coordinator(Config{TickInterval: 5 * time.Millisecond, ExitWhenIdle: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	wg.Wait()

	for _, id := range []string{"A", "B", "C"} {
		if task := f.task(t, id); task.Status != scheduler.StatusDone {
			t.Errorf("expected %s done, got %s", id, task.Status)
		}
	}
	if got := f.exec.Spawned(); len(got) != 3 {
		t.Errorf("expected each task spawned once, got %v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, claim.NewTask{ID: "A"})
	c := f.coordinator(Config{TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestCircuitBreakerStopsDispatch(t *testing.T) {
	f := newFixture(t,
		claim.NewTask{ID: "A"},
		claim.NewTask{ID: "B"},
		claim.NewTask{ID: "C"},
	)
	f.exec.err = errors.New("executor down")

	c := f.coordinator(Config{
		MaxConcurrency: 1,
		Breaker:        BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour},
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Tick(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}
	if state := c.breakers.Get("fake").State(); state != gobreaker.StateOpen {
		t.Fatalf("expected circuit open after 2 failures, got %v", state)
	}

	res, err := c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(res.Dispatched)+len(res.Failed) != 0 {
		t.Errorf("expected no dispatch attempts while open, got %+v", res)
	}
	if calls := len(f.exec.Spawned()); calls != 2 {
		t.Errorf("expected 2 spawn calls, got %d", calls)
	}

	g, err := f.protocol.Store().Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if ready := scheduler.Ready(g, f.clock.Now()); len(ready) != 3 {
		t.Errorf("expected all tasks still ready after rollbacks, got %v", ready)
	}
}
