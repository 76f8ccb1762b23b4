// Package executor runs claimed tasks as local processes. Each worker gets
// its task and worker IDs in the environment, emits heartbeats while it
// runs and reports its exit through the claim protocol.
//
// A worker talks back on stdout:
//
//	artifact: <ref>    recorded on the task when it completes
//	progress: <note>   appended to the task log right away
//
// Every other line is published as output.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

const (
	reportTimeout   = 30 * time.Second
	stderrTailBytes = 2048
	maxLineBytes    = 1024 * 1024
)

// Reporter is the part of the claim protocol a worker reports through.
type Reporter interface {
	Get(ctx context.Context, id string) (scheduler.Task, error)
	Progress(ctx context.Context, id, worker, note string, artifacts []string) (claim.Outcome, error)
	Complete(ctx context.Context, id, worker string, artifacts []string) (claim.Outcome, error)
	Fail(ctx context.Context, id, worker, reason string) (claim.Outcome, error)
	Unclaim(ctx context.Context, id string, opts claim.UnclaimOptions) (claim.Outcome, error)
}

// Heartbeats records worker liveness.
type Heartbeats interface {
	Beat(ctx context.Context, workerID, taskID string) error
	Forget(ctx context.Context, workerID string) error
}

// Config configures a ProcessExecutor. Command and Args are text/template
// strings rendered with .Task, .WorkerID and .StorePath.
type Config struct {
	Name              string
	Command           string
	Args              []string
	WorkDir           string
	Env               []string // Extra KEY=VALUE pairs
	StorePath         string   // Exported as TASKGRAPH_STORE
	HeartbeatInterval time.Duration
}

type templateData struct {
	Task      scheduler.Task
	WorkerID  string
	StorePath string
}

// ProcessExecutor spawns one process per claimed task.
type ProcessExecutor struct {
	cfg      Config
	argv     []*template.Template
	reporter Reporter
	beats    Heartbeats
	pm       *ProcessManager
	bus      *events.EventBus
	base     context.Context

	wg sync.WaitGroup
}

// Option configures a ProcessExecutor.
type Option func(*ProcessExecutor)

// WithEventBus publishes worker output and results on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(p *ProcessExecutor) { p.bus = bus }
}

// WithProcessManager tracks spawned processes in pm.
func WithProcessManager(pm *ProcessManager) Option {
	return func(p *ProcessExecutor) { p.pm = pm }
}

// New creates a ProcessExecutor. Workers live as long as ctx: cancelling it
// kills them and hands their tasks back to the ready pool.
func New(ctx context.Context, cfg Config, reporter Reporter, beats Heartbeats, opts ...Option) (*ProcessExecutor, error) {
	if cfg.Command == "" {
		return nil, errors.New("executor command is required")
	}
	if cfg.Name == "" {
		cfg.Name = "process"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}

	p := &ProcessExecutor{
		cfg:      cfg,
		reporter: reporter,
		beats:    beats,
		pm:       NewProcessManager(),
		base:     ctx,
	}
	for i, raw := range append([]string{cfg.Command}, cfg.Args...) {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid executor template %q: %w", raw, err)
		}
		p.argv = append(p.argv, tmpl)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the executor name used for its circuit breaker.
func (p *ProcessExecutor) Name() string {
	return p.cfg.Name
}

// Spawn starts the worker process for task and returns once it is running.
func (p *ProcessExecutor) Spawn(ctx context.Context, task scheduler.Task, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	argv, err := p.render(task, workerID)
	if err != nil {
		return err
	}

	cmd := newCommand(p.base, argv[0], argv[1:]...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TASKGRAPH_TASK_ID="+task.ID,
		"TASKGRAPH_WORKER_ID="+workerID,
	)
	if p.cfg.StorePath != "" {
		cmd.Env = append(cmd.Env, "TASKGRAPH_STORE="+p.cfg.StorePath)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	p.pm.Track(cmd)

	p.wg.Add(1)
	go p.supervise(cmd, task, workerID, stdout, stderr)
	return nil
}

// Wait blocks until every spawned worker has exited and been reported.
func (p *ProcessExecutor) Wait() {
	p.wg.Wait()
}

// Running returns the number of live worker processes.
func (p *ProcessExecutor) Running() int {
	return p.pm.Count()
}

func (p *ProcessExecutor) render(task scheduler.Task, workerID string) ([]string, error) {
	data := templateData{Task: task, WorkerID: workerID, StorePath: p.cfg.StorePath}
	argv := make([]string, 0, len(p.argv))
	for _, tmpl := range p.argv {
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("render command for task %q: %w", task.ID, err)
		}
		argv = append(argv, b.String())
	}
	if argv[0] == "" {
		return nil, fmt.Errorf("render command for task %q: empty command", task.ID)
	}
	return argv, nil
}

// supervise drains the worker's pipes, waits for it and reports the result.
// Both pipes are read to EOF before cmd.Wait so a chatty worker can't
// deadlock on a full pipe.
func (p *ProcessExecutor) supervise(cmd *exec.Cmd, task scheduler.Task, workerID string, stdout, stderr io.Reader) {
	defer p.wg.Done()
	start := time.Now()
	stopBeats := p.heartbeat(task.ID, workerID)

	var (
		wg        sync.WaitGroup
		artifacts []string
		tail      tailBuffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		artifacts = p.readOutput(task.ID, workerID, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&tail, stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	p.pm.Untrack(cmd)
	stopBeats()

	p.report(task, workerID, artifacts, waitErr, tail.String(), time.Since(start))
}

func (p *ProcessExecutor) readOutput(taskID, workerID string, r io.Reader) []string {
	var artifacts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "artifact:"):
			if ref := strings.TrimSpace(strings.TrimPrefix(line, "artifact:")); ref != "" {
				artifacts = append(artifacts, ref)
			}
		case strings.HasPrefix(line, "progress:"):
			note := strings.TrimSpace(strings.TrimPrefix(line, "progress:"))
			if _, err := p.reporter.Progress(p.base, taskID, workerID, note, nil); err != nil && p.base.Err() == nil {
				log.Printf("WARNING: failed to record progress on task %q: %v", taskID, err)
			}
		}
		p.bus.Publish(events.TopicTask, events.TaskOutputEvent{
			ID:        taskID,
			WorkerID:  workerID,
			Line:      line,
			Timestamp: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		log.Printf("WARNING: stopped reading output of %s: %v", workerID, err)
		io.Copy(io.Discard, r)
	}
	return artifacts
}

// heartbeat beats for workerID right away and then every HeartbeatInterval
// until the returned stop function is called.
func (p *ProcessExecutor) heartbeat(taskID, workerID string) (stop func()) {
	if p.beats == nil {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			if err := p.beats.Beat(p.base, workerID, taskID); err != nil && p.base.Err() == nil {
				log.Printf("WARNING: heartbeat for %s failed: %v", workerID, err)
			}
			select {
			case <-done:
				return
			case <-p.base.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// report turns the worker's exit into a claim operation. A result for a
// task the worker no longer holds is dropped.
func (p *ProcessExecutor) report(task scheduler.Task, workerID string, artifacts []string, waitErr error, stderrTail string, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.base), reportTimeout)
	defer cancel()
	defer p.forget(ctx, workerID)

	if p.base.Err() != nil {
		_, err := p.reporter.Unclaim(ctx, task.ID, claim.UnclaimOptions{ExpectWorker: workerID, Reason: "executor shut down"})
		if err != nil && !lostTask(err) {
			log.Printf("ERROR: failed to release task %q from %s: %v", task.ID, workerID, err)
		}
		p.publishFinished(task.ID, workerID, scheduler.StatusOpen, nil, p.base.Err(), elapsed)
		return
	}

	current, err := p.reporter.Get(ctx, task.ID)
	if err != nil {
		log.Printf("ERROR: failed to read task %q after %s exited: %v", task.ID, workerID, err)
		return
	}
	if current.Status == scheduler.StatusDone || current.Status == scheduler.StatusFailed {
		// The worker reported through the CLI itself
		p.publishFinished(task.ID, workerID, current.Status, artifacts, nil, elapsed)
		return
	}
	if current.Status != scheduler.StatusInProgress || current.AssignedTo != workerID {
		log.Printf("WARNING: dropping result of %s for task %q: task is %s (assigned to %q)", workerID, task.ID, current.Status, current.AssignedTo)
		return
	}

	if waitErr == nil {
		out, err := p.reporter.Complete(ctx, task.ID, workerID, artifacts)
		if lostTask(err) {
			log.Printf("WARNING: dropping result of %s: %v", workerID, err)
			return
		}
		if err != nil {
			log.Printf("ERROR: failed to complete task %q: %v", task.ID, err)
			p.publishFinished(task.ID, workerID, current.Status, artifacts, err, elapsed)
			return
		}
		p.publishFinished(task.ID, workerID, scheduler.StatusDone, artifacts, nil, elapsed)
		for _, r := range out.Reopened {
			p.bus.Publish(events.TopicTask, events.TaskReopenedEvent{
				ID:         r.TaskID,
				By:         r.Edge,
				Iteration:  r.Iteration,
				Transitive: r.Transitive,
				Timestamp:  time.Now(),
			})
		}
		return
	}

	reason := waitErr.Error()
	if stderrTail = strings.TrimSpace(stderrTail); stderrTail != "" {
		reason += ": " + stderrTail
	}
	if _, err := p.reporter.Fail(ctx, task.ID, workerID, reason); lostTask(err) {
		log.Printf("WARNING: dropping result of %s: %v", workerID, err)
		return
	} else if err != nil {
		log.Printf("ERROR: failed to mark task %q failed: %v", task.ID, err)
	}
	p.publishFinished(task.ID, workerID, scheduler.StatusFailed, artifacts, waitErr, elapsed)
}

// lostTask reports whether err means the task moved on without this worker
// between the exit check and the report.
func lostTask(err error) bool {
	return errors.Is(err, claim.ErrAlreadyClaimed) || errors.Is(err, claim.ErrNotInProgress)
}

func (p *ProcessExecutor) forget(ctx context.Context, workerID string) {
	if p.beats == nil {
		return
	}
	if err := p.beats.Forget(ctx, workerID); err != nil {
		log.Printf("WARNING: failed to forget heartbeat of %s: %v", workerID, err)
	}
}

func (p *ProcessExecutor) publishFinished(taskID, workerID string, status scheduler.Status, artifacts []string, err error, elapsed time.Duration) {
	p.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID:        taskID,
		WorkerID:  workerID,
		Status:    string(status),
		Artifacts: artifacts,
		Err:       err,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
}

// tailBuffer keeps the last stderrTailBytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.buf = append(t.buf, b...)
	if len(t.buf) > stderrTailBytes {
		t.buf = t.buf[len(t.buf)-stderrTailBytes:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
