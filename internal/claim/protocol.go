// Package claim is the only way task state changes. Each operation is a
// single store transaction with explicit preconditions, used alike by the
// coordinator, workers and the CLI.
package claim

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/store"
)

// Recorder receives one provenance entry per committed, non-idempotent
// operation. Failures are logged, never returned: provenance is not needed
// for correctness.
type Recorder interface {
	RecordTransition(ctx context.Context, op, taskID, actor, detail string) error
}

// Outcome is the result of one operation.
type Outcome struct {
	Task           scheduler.Task       // Task as committed
	AlreadyApplied bool                 // The task was already in the requested state; nothing was written
	Reopened       []scheduler.Reopened // Tasks re-opened by loop edges (complete only)
}

// Protocol applies claim operations to a store.
type Protocol struct {
	store    *store.Store
	actor    string
	now      func() time.Time
	recorder Recorder
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithActor sets the name written to log entries for operations that have
// no worker of their own (create, pause, retry, ...).
func WithActor(actor string) Option {
	return func(p *Protocol) { p.actor = actor }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithRecorder attaches a provenance sink.
func WithRecorder(r Recorder) Option {
	return func(p *Protocol) { p.recorder = r }
}

// New creates a Protocol over s.
func New(s *store.Store, opts ...Option) *Protocol {
	p := &Protocol{
		store: s,
		actor: "cli",
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the underlying store.
func (p *Protocol) Store() *store.Store {
	return p.store
}

// mutation is the body of one operation. It returns the human detail for the
// provenance record, or already=true when the task is in the target state.
type mutation func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (detail string, already bool, err error)

func (p *Protocol) apply(ctx context.Context, op, id, actor string, fn mutation) (Outcome, error) {
	type result struct {
		outcome Outcome
		detail  string
	}

	res, err := store.Transact(ctx, p.store, func(g *scheduler.Graph) (result, error) {
		task, ok := g.Task(id)
		if !ok {
			return result{}, notFound(op, id)
		}
		detail, already, err := fn(g, task, p.now().UTC())
		if err != nil {
			return result{}, err
		}
		return result{outcome: Outcome{Task: *task.Clone(), AlreadyApplied: already}, detail: detail}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if !res.outcome.AlreadyApplied {
		p.record(ctx, op, id, actor, res.detail)
	}
	return res.outcome, nil
}

func (p *Protocol) record(ctx context.Context, op, id, actor, detail string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordTransition(ctx, op, id, actor, detail); err != nil {
		log.Printf("WARNING: failed to record %s on task %q: %v", op, id, err)
	}
}

// ClaimOptions adjusts Claim.
type ClaimOptions struct {
	// Force skips the readiness check; the task still has to be open.
	Force bool
}

// Claim moves an open task to in_progress under worker. Claiming a task the
// same worker already holds reports AlreadyApplied. Unless forced, the task
// must also be ready in the committed graph, so a dependency re-opened since
// the caller's snapshot is seen.
func (p *Protocol) Claim(ctx context.Context, id, worker string, opts ClaimOptions) (Outcome, error) {
	if worker == "" {
		return Outcome{}, fmt.Errorf("claim %s: worker is required", id)
	}
	return p.apply(ctx, "claim", id, worker, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if task.Status == scheduler.StatusInProgress && task.AssignedTo == worker {
			return "", true, nil
		}
		if task.Status != scheduler.StatusOpen {
			return "", false, precondition("claim", task, ErrAlreadyClaimed)
		}
		if !opts.Force && !scheduler.IsReady(g, task, now) {
			return "", false, precondition("claim", task, ErrNotReady)
		}

		task.AssignedTo = worker
		if err := scheduler.Transition(task, scheduler.StatusInProgress); err != nil {
			return "", false, precondition("claim", task, ErrInvalidTransition)
		}
		task.StartedAt = &now
		task.Note(now, worker, "claimed")
		return "claimed by " + worker, false, nil
	})
}

// UnclaimOptions adjusts Unclaim.
type UnclaimOptions struct {
	// ExpectWorker, when set, requires the task to still be held by this
	// worker. A mismatch fails with ErrAlreadyClaimed.
	ExpectWorker string
	// Reason is recorded in the task log.
	Reason string
}

// Unclaim returns an in_progress task to open. An already-open task reports
// AlreadyApplied.
func (p *Protocol) Unclaim(ctx context.Context, id string, opts UnclaimOptions) (Outcome, error) {
	return p.apply(ctx, "unclaim", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if task.Status == scheduler.StatusOpen {
			return "", true, nil
		}
		if task.Status != scheduler.StatusInProgress {
			return "", false, precondition("unclaim", task, ErrNotInProgress)
		}
		if opts.ExpectWorker != "" && task.AssignedTo != opts.ExpectWorker {
			return "", false, precondition("unclaim", task, ErrAlreadyClaimed)
		}

		holder := task.AssignedTo
		if err := scheduler.Transition(task, scheduler.StatusOpen); err != nil {
			return "", false, precondition("unclaim", task, ErrInvalidTransition)
		}
		task.StartedAt = nil

		msg := "unclaimed from " + holder
		if opts.Reason != "" {
			msg += ": " + opts.Reason
		}
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// checkHolder enforces that worker, when set, is the one reporting on task.
// A worker whose last word on the task was already this report (the task was
// since re-opened, or re-claimed by someone else) gets AlreadyApplied. A
// worker that lost the task without reporting gets ErrAlreadyClaimed when
// another worker holds it, ErrNotInProgress otherwise. ok is true when the
// caller should go ahead and apply the report.
func checkHolder(op string, task *scheduler.Task, worker, reported string) (already, ok bool, err error) {
	if worker == "" {
		return false, task.Status == scheduler.StatusInProgress, nil
	}
	if task.Status == scheduler.StatusInProgress && task.AssignedTo == worker {
		return false, true, nil
	}
	if reported != "" && lastReportIs(task, worker, reported) {
		return true, false, nil
	}
	if task.Status == scheduler.StatusInProgress {
		return false, false, precondition(op, task, ErrAlreadyClaimed)
	}
	return false, false, nil
}

// lastReportIs reports whether worker's most recent log entry on task starts
// with prefix.
func lastReportIs(task *scheduler.Task, worker, prefix string) bool {
	for i := len(task.Log) - 1; i >= 0; i-- {
		if task.Log[i].Actor == worker {
			return strings.HasPrefix(task.Log[i].Message, prefix)
		}
	}
	return false
}

// Log prefixes of the entries Complete and Fail write under the holder.
const (
	noteCompleted = "completed with "
	noteFailed    = "failed: "
)

// Complete marks an in_progress task done, appends artifacts and runs the
// loop resolver in the same transaction. Completing a done task reports
// AlreadyApplied and leaves its artifacts alone.
//
// When worker is set the task must be held by it; see checkHolder. An empty
// worker completes whoever holds the task.
func (p *Protocol) Complete(ctx context.Context, id, worker string, artifacts []string) (Outcome, error) {
	var reopened []scheduler.Reopened
	out, err := p.apply(ctx, "complete", id, actorOr(worker, p.actor), func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		reopened = nil
		if task.Status == scheduler.StatusDone {
			return "", true, nil
		}
		already, ok, err := checkHolder("complete", task, worker, noteCompleted)
		if err != nil || already {
			return "", already, err
		}
		if !ok {
			return "", false, precondition("complete", task, ErrNotInProgress)
		}

		holder := task.AssignedTo
		if err := scheduler.Transition(task, scheduler.StatusDone); err != nil {
			return "", false, precondition("complete", task, ErrInvalidTransition)
		}
		task.CompletedAt = &now
		task.Artifacts = append(task.Artifacts, artifacts...)
		task.Note(now, holder, fmt.Sprintf(noteCompleted+"%d artifact(s)", len(artifacts)))

		reopened, err = scheduler.ResolveLoops(g, task.ID, now)
		if err != nil {
			return "", false, fmt.Errorf("complete %s: %w", task.ID, err)
		}
		return fmt.Sprintf("completed by %s, re-opened %d", holder, len(reopened)), false, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Reopened = reopened
	return out, nil
}

// Fail marks an in_progress task failed with reason. Failing a failed task
// reports AlreadyApplied. worker is checked as in Complete.
func (p *Protocol) Fail(ctx context.Context, id, worker, reason string) (Outcome, error) {
	return p.apply(ctx, "fail", id, actorOr(worker, p.actor), func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if task.Status == scheduler.StatusFailed {
			return "", true, nil
		}
		already, ok, err := checkHolder("fail", task, worker, noteFailed)
		if err != nil || already {
			return "", already, err
		}
		if !ok {
			return "", false, precondition("fail", task, ErrNotInProgress)
		}

		holder := task.AssignedTo
		if err := scheduler.Transition(task, scheduler.StatusFailed); err != nil {
			return "", false, precondition("fail", task, ErrInvalidTransition)
		}
		task.CompletedAt = &now
		task.Note(now, holder, noteFailed+reason)
		return reason, false, nil
	})
}

// Progress appends a note and optional artifacts to an in_progress task. A
// set worker must hold the task.
func (p *Protocol) Progress(ctx context.Context, id, worker, note string, artifacts []string) (Outcome, error) {
	return p.apply(ctx, "progress", id, actorOr(worker, p.actor), func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		_, ok, err := checkHolder("progress", task, worker, "")
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, precondition("progress", task, ErrNotInProgress)
		}
		task.Artifacts = append(task.Artifacts, artifacts...)
		if note != "" {
			task.Note(now, task.AssignedTo, note)
		}
		return note, false, nil
	})
}

func actorOr(worker, actor string) string {
	if worker != "" {
		return worker
	}
	return actor
}
