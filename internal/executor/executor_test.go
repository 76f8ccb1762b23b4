package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/store"
)

type harness struct {
	protocol *claim.Protocol
	beats    *persistence.SQLiteStore
	bus      *events.EventBus
	path     string
}

func newHarness(t *testing.T, tasks ...claim.NewTask) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.jsonl")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	beats, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { beats.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	p := claim.New(s)
	if _, err := p.Create(context.Background(), tasks...); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return &harness{protocol: p, beats: beats, bus: bus, path: path}
}

// claimTask claims id for workerID and returns the committed task.
func (h *harness) claimTask(t *testing.T, id, workerID string) scheduler.Task {
	t.Helper()
	out, err := h.protocol.Claim(context.Background(), id, workerID, claim.ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim %s failed: %v", id, err)
	}
	return out.Task
}

func (h *harness) executor(t *testing.T, ctx context.Context, script string, mutate ...func(*Config)) *ProcessExecutor {
	t.Helper()
	cfg := Config{
		Command:           "sh",
		Args:              []string{"-c", script},
		StorePath:         h.path,
		HeartbeatInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	exec, err := New(ctx, cfg, h.protocol, h.beats, WithEventBus(h.bus))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return exec
}

func (h *harness) get(t *testing.T, id string) scheduler.Task {
	t.Helper()
	task, err := h.protocol.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return task
}

func TestSpawnCompletesOnSuccess(t *testing.T) {
	h := newHarness(t,
		claim.NewTask{ID: "A"},
		claim.NewTask{ID: "B", DependsOn: []string{"A"}},
	)
	ch := h.bus.Subscribe(events.TopicTask, 100)

	exec := h.executor(t, context.Background(),
		`echo "artifact: out-{{.Task.ID}}.txt"; echo "progress: halfway"; echo hello`)
	task := h.claimTask(t, "A", "w1")
	if err := exec.Spawn(context.Background(), task, "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	exec.Wait()

	got := h.get(t, "A")
	if got.Status != scheduler.StatusDone {
		t.Fatalf("expected A done, got %s", got.Status)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0] != "out-A.txt" {
		t.Errorf("expected artifact out-A.txt, got %v", got.Artifacts)
	}
	foundProgress := false
	for _, entry := range got.Log {
		if entry.Message == "halfway" {
			foundProgress = true
		}
	}
	if !foundProgress {
		t.Errorf("expected progress note in log, got %+v", got.Log)
	}
	if exec.Running() != 0 {
		t.Errorf("expected no running processes, got %d", exec.Running())
	}

	var lines []string
	var finished *events.TaskFinishedEvent
	for finished == nil {
		select {
		case ev := <-ch:
			switch e := ev.(type) {
			case events.TaskOutputEvent:
				lines = append(lines, e.Line)
			case events.TaskFinishedEvent:
				finished = &e
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for finished event")
		}
	}
	if finished.Status != string(scheduler.StatusDone) || finished.WorkerID != "w1" {
		t.Errorf("unexpected finished event: %+v", finished)
	}
	if len(lines) != 3 || lines[2] != "hello" {
		t.Errorf("expected 3 output lines, got %q", lines)
	}
}

func TestSpawnFailsOnNonZeroExit(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(), `echo "compiler exploded" >&2; exit 3`)

	if err := exec.Spawn(context.Background(), h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	exec.Wait()

	got := h.get(t, "A")
	if got.Status != scheduler.StatusFailed {
		t.Fatalf("expected A failed, got %s", got.Status)
	}
	last := got.Log[len(got.Log)-1].Message
	if !strings.Contains(last, "exit status 3") || !strings.Contains(last, "compiler exploded") {
		t.Errorf("expected exit code and stderr in failure reason, got %q", last)
	}
}

func TestSpawnEnvironment(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(),
		`test "$TASKGRAPH_TASK_ID" = A && test "$TASKGRAPH_WORKER_ID" = w1 && test "$TASKGRAPH_STORE" = "{{.StorePath}}" && test "$EXTRA" = yes`,
		func(cfg *Config) { cfg.Env = []string{"EXTRA=yes"} })

	if err := exec.Spawn(context.Background(), h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	exec.Wait()

	if got := h.get(t, "A"); got.Status != scheduler.StatusDone {
		t.Errorf("expected environment checks to pass, got %s: %+v", got.Status, got.Log)
	}
}

func TestSpawnStartFailure(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(), "", func(cfg *Config) {
		cfg.Command = "/nonexistent/worker"
		cfg.Args = nil
	})

	err := exec.Spawn(context.Background(), h.claimTask(t, "A", "w1"), "w1")
	if err == nil {
		t.Fatal("expected start error")
	}
	if exec.Running() != 0 {
		t.Errorf("expected nothing tracked, got %d", exec.Running())
	}
	if got := h.get(t, "A"); got.Status != scheduler.StatusInProgress {
		t.Errorf("a failed start must leave rollback to the caller, got %s", got.Status)
	}
}

func TestSpawnRenderFailure(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(), "{{.Task.Missing}}")

	if err := exec.Spawn(context.Background(), h.claimTask(t, "A", "w1"), "w1"); err == nil {
		t.Fatal("expected render error for unknown field")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty command", cfg: Config{}},
		{name: "bad template", cfg: Config{Command: "sh", Args: []string{"{{.Task"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResultDroppedForReclaimedTask(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(), `sleep 0.2; echo "artifact: stale"`)
	ctx := context.Background()

	if err := exec.Spawn(ctx, h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := h.protocol.Unclaim(ctx, "A", claim.UnclaimOptions{ExpectWorker: "w1", Reason: "test"}); err != nil {
		t.Fatalf("Unclaim failed: %v", err)
	}
	h.claimTask(t, "A", "w2")
	exec.Wait()

	got := h.get(t, "A")
	if got.Status != scheduler.StatusInProgress || got.AssignedTo != "w2" {
		t.Errorf("stale worker must not touch the task, got %s under %q", got.Status, got.AssignedTo)
	}
	if len(got.Artifacts) != 0 {
		t.Errorf("expected no artifacts, got %v", got.Artifacts)
	}
}

// staleReads answers Get with the task as it was when first claimed, so the
// report sees a holder that is no longer current.
type staleReads struct {
	*claim.Protocol
	claimed scheduler.Task
}

func (r staleReads) Get(ctx context.Context, id string) (scheduler.Task, error) {
	return r.claimed, nil
}

func TestResultDroppedWhenTaskChangesHandsAfterRead(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	ctx := context.Background()
	task := h.claimTask(t, "A", "w1")

	cfg := Config{Command: "sh", Args: []string{"-c", `sleep 0.2; echo "artifact: stale"`}, StorePath: h.path}
	exec, err := New(ctx, cfg, staleReads{Protocol: h.protocol, claimed: task}, h.beats)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := exec.Spawn(ctx, task, "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := h.protocol.Unclaim(ctx, "A", claim.UnclaimOptions{ExpectWorker: "w1", Reason: "test"}); err != nil {
		t.Fatalf("Unclaim failed: %v", err)
	}
	h.claimTask(t, "A", "w2")
	exec.Wait()

	got := h.get(t, "A")
	if got.Status != scheduler.StatusInProgress || got.AssignedTo != "w2" {
		t.Errorf("expected w2 to keep the task, got %s under %q", got.Status, got.AssignedTo)
	}
	if len(got.Artifacts) != 0 {
		t.Errorf("expected no artifacts from w1, got %v", got.Artifacts)
	}
}

func TestWorkerSelfReportIsKept(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	sub := h.bus.Subscribe(events.TopicTask, 16)
	exec := h.executor(t, context.Background(), `sleep 0.2; exit 1`)
	ctx := context.Background()

	if err := exec.Spawn(ctx, h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	// The worker reports through the CLI before exiting non-zero
	if _, err := h.protocol.Complete(ctx, "A", "w1", []string{"report.md"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	exec.Wait()

	got := h.get(t, "A")
	if got.Status != scheduler.StatusDone {
		t.Errorf("expected the worker's own report to stand, got %s", got.Status)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0] != "report.md" {
		t.Errorf("unexpected artifacts %v", got.Artifacts)
	}

	for {
		select {
		case ev := <-sub:
			if fin, ok := ev.(events.TaskFinishedEvent); ok {
				if fin.Status != string(scheduler.StatusDone) {
					t.Errorf("expected finished event with done, got %s", fin.Status)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no finished event")
		}
	}
}

func TestShutdownReleasesTask(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	ctx, cancel := context.WithCancel(context.Background())
	exec := h.executor(t, ctx, `sleep 30`)

	if err := exec.Spawn(ctx, h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		exec.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker not killed on shutdown")
	}

	got := h.get(t, "A")
	if got.Status != scheduler.StatusOpen {
		t.Errorf("expected task released on shutdown, got %s", got.Status)
	}
	if !strings.Contains(got.Log[len(got.Log)-1].Message, "executor shut down") {
		t.Errorf("expected shutdown reason in log, got %+v", got.Log)
	}
}

func TestHeartbeatsWhileRunning(t *testing.T) {
	h := newHarness(t, claim.NewTask{ID: "A"})
	exec := h.executor(t, context.Background(), `sleep 0.3`)
	ctx := context.Background()

	if err := exec.Spawn(ctx, h.claimTask(t, "A", "w1"), "w1"); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	seen := false
	for time.Now().Before(deadline) {
		if _, ok, err := h.beats.LastSeen(ctx, "w1"); err == nil && ok {
			seen = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !seen {
		t.Error("expected a heartbeat while the worker runs")
	}

	exec.Wait()
	if _, ok, err := h.beats.LastSeen(ctx, "w1"); err != nil || ok {
		t.Errorf("expected heartbeat forgotten after exit, got ok=%v err=%v", ok, err)
	}
}

func TestCompletePublishesReopenedTasks(t *testing.T) {
	h := newHarness(t,
		claim.NewTask{ID: "draft"},
		claim.NewTask{
			ID:        "review",
			DependsOn: []string{"draft"},
			LoopEdges: []scheduler.LoopEdge{{Target: "draft", MaxIterations: 1}},
		},
	)
	ch := h.bus.Subscribe(events.TopicTask, 100)
	exec := h.executor(t, context.Background(), `true`)
	ctx := context.Background()

	for _, id := range []string{"draft", "review"} {
		if err := exec.Spawn(ctx, h.claimTask(t, id, "w-"+id), "w-"+id); err != nil {
			t.Fatalf("Spawn %s failed: %v", id, err)
		}
		exec.Wait()
	}

	if got := h.get(t, "draft"); got.Status != scheduler.StatusOpen || got.IterationCount != 1 {
		t.Fatalf("expected draft re-opened once, got %s (iteration %d)", got.Status, got.IterationCount)
	}
	for {
		select {
		case ev := <-ch:
			if re, ok := ev.(events.TaskReopenedEvent); ok && re.ID == "draft" {
				if re.By != "review" || re.Iteration != 1 || re.Transitive {
					t.Errorf("unexpected reopen event: %+v", re)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for reopen event")
		}
	}
}

func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Fatalf("expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}
	err := cmd.Wait()
	pm.Untrack(cmd)

	var exitErr interface{ ExitCode() int }
	if !errors.As(err, &exitErr) {
		t.Errorf("expected killed process to report an exit error, got %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("expected 0 tracked processes, got %d", pm.Count())
	}
}
