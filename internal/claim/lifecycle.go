package claim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/store"
)

// NewTask describes a task to create. An empty ID is generated.
type NewTask struct {
	ID          string
	Title       string
	Description string
	DependsOn   []string
	LoopEdges   []scheduler.LoopEdge
	Requires    []string
	NotBefore   *time.Time
}

// NewID returns a short random task ID.
func NewID() string {
	return "t-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create adds tasks in one transaction. Either every task is created or none
// is; dependencies may point at tasks created in the same call.
func (p *Protocol) Create(ctx context.Context, specs ...NewTask) ([]scheduler.Task, error) {
	created, err := store.Transact(ctx, p.store, func(g *scheduler.Graph) ([]scheduler.Task, error) {
		now := p.now().UTC()
		tasks := make([]*scheduler.Task, 0, len(specs))
		for _, spec := range specs {
			id := spec.ID
			if id == "" {
				id = NewID()
			}
			if g.Has(id) {
				return nil, &Error{Op: "create", TaskID: id, Err: ErrExists}
			}

			task := &scheduler.Task{
				ID:          id,
				Title:       spec.Title,
				Description: spec.Description,
				Status:      scheduler.StatusOpen,
				LoopEdges:   append([]scheduler.LoopEdge(nil), spec.LoopEdges...),
				Requires:    append([]string(nil), spec.Requires...),
				CreatedAt:   now,
				NotBefore:   spec.NotBefore,
			}
			task.Note(now, p.actor, "created")
			if err := g.Add(task); err != nil {
				return nil, fmt.Errorf("create %s: %w", id, err)
			}
			for _, dep := range spec.DependsOn {
				if err := g.AddDependency(id, dep); err != nil {
					return nil, fmt.Errorf("create %s: %w", id, err)
				}
			}
			tasks = append(tasks, task)
		}

		out := make([]scheduler.Task, len(tasks))
		for i, task := range tasks {
			out[i] = *task.Clone()
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	for _, task := range created {
		p.record(ctx, "create", task.ID, p.actor, task.Title)
	}
	return created, nil
}

// Pause holds an open or in_progress task back from dispatch. Pausing an
// in_progress task releases its worker.
func (p *Protocol) Pause(ctx context.Context, id, reason string) (Outcome, error) {
	return p.apply(ctx, "pause", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		switch task.Status {
		case scheduler.StatusPaused:
			return "", true, nil
		case scheduler.StatusOpen, scheduler.StatusInProgress:
		default:
			return "", false, precondition("pause", task, ErrInvalidTransition)
		}

		msg := "paused"
		if task.AssignedTo != "" {
			msg += " (released " + task.AssignedTo + ")"
		}
		if reason != "" {
			msg += ": " + reason
		}
		if err := scheduler.Transition(task, scheduler.StatusPaused); err != nil {
			return "", false, precondition("pause", task, ErrInvalidTransition)
		}
		task.StartedAt = nil
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// Resume returns a paused task to open.
func (p *Protocol) Resume(ctx context.Context, id string) (Outcome, error) {
	return p.apply(ctx, "resume", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		switch task.Status {
		case scheduler.StatusOpen:
			return "", true, nil
		case scheduler.StatusPaused:
		default:
			return "", false, precondition("resume", task, ErrInvalidTransition)
		}
		if err := scheduler.Transition(task, scheduler.StatusOpen); err != nil {
			return "", false, precondition("resume", task, ErrInvalidTransition)
		}
		task.Note(now, p.actor, "resumed")
		return "resumed", false, nil
	})
}

// Abandon gives up on an open or in_progress task. Dependents stay blocked
// until it is retried.
func (p *Protocol) Abandon(ctx context.Context, id, reason string) (Outcome, error) {
	return p.apply(ctx, "abandon", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		switch task.Status {
		case scheduler.StatusAbandoned:
			return "", true, nil
		case scheduler.StatusOpen, scheduler.StatusInProgress:
		default:
			return "", false, precondition("abandon", task, ErrInvalidTransition)
		}
		if err := scheduler.Transition(task, scheduler.StatusAbandoned); err != nil {
			return "", false, precondition("abandon", task, ErrInvalidTransition)
		}
		task.CompletedAt = &now
		msg := "abandoned"
		if reason != "" {
			msg += ": " + reason
		}
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// Retry returns a failed or abandoned task to open. Artifacts and log are
// kept; the iteration count is not touched.
func (p *Protocol) Retry(ctx context.Context, id string) (Outcome, error) {
	return p.apply(ctx, "retry", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		switch task.Status {
		case scheduler.StatusOpen:
			return "", true, nil
		case scheduler.StatusFailed, scheduler.StatusAbandoned:
		default:
			return "", false, precondition("retry", task, ErrInvalidTransition)
		}
		from := task.Status
		if err := scheduler.Transition(task, scheduler.StatusOpen); err != nil {
			return "", false, precondition("retry", task, ErrInvalidTransition)
		}
		task.StartedAt = nil
		task.CompletedAt = nil
		msg := fmt.Sprintf("retried after %s", from)
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// Defer keeps an open or paused task from being ready before until. A zero
// until clears the deferral.
func (p *Protocol) Defer(ctx context.Context, id string, until time.Time) (Outcome, error) {
	return p.apply(ctx, "defer", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if task.Status != scheduler.StatusOpen && task.Status != scheduler.StatusPaused {
			return "", false, precondition("defer", task, ErrInvalidTransition)
		}
		if until.IsZero() {
			if task.NotBefore == nil {
				return "", true, nil
			}
			task.NotBefore = nil
			task.Note(now, p.actor, "deferral cleared")
			return "deferral cleared", false, nil
		}

		at := until.UTC()
		if task.NotBefore != nil && task.NotBefore.Equal(at) {
			return "", true, nil
		}
		task.NotBefore = &at
		msg := "deferred until " + at.Format(time.RFC3339)
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// AddDependency makes id depend on dep. A dependency that would close a
// cycle is rejected with store.ErrInvariantViolation and nothing is written.
func (p *Protocol) AddDependency(ctx context.Context, id, dep string) (Outcome, error) {
	return p.apply(ctx, "depend", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if !g.Has(dep) {
			return "", false, notFound("depend", dep)
		}
		for _, existing := range task.DependsOn {
			if existing == dep {
				return "", true, nil
			}
		}
		if err := g.AddDependency(id, dep); err != nil {
			return "", false, err
		}
		task.Note(now, p.actor, "now depends on "+dep)
		return dep, false, nil
	})
}

// AddLoopEdge attaches a loop edge to id. The guard is parsed and its
// references checked at commit.
func (p *Protocol) AddLoopEdge(ctx context.Context, id string, edge scheduler.LoopEdge) (Outcome, error) {
	return p.apply(ctx, "loop", id, p.actor, func(g *scheduler.Graph, task *scheduler.Task, now time.Time) (string, bool, error) {
		if !g.Has(edge.Target) {
			return "", false, notFound("loop", edge.Target)
		}
		for _, existing := range task.LoopEdges {
			if existing == edge {
				return "", true, nil
			}
		}
		task.LoopEdges = append(task.LoopEdges, edge)
		msg := fmt.Sprintf("loop edge to %s (max %d)", edge.Target, edge.MaxIterations)
		if edge.Guard != "" {
			msg += " when " + edge.Guard
		}
		task.Note(now, p.actor, msg)
		return msg, false, nil
	})
}

// Get returns a committed copy of one task.
func (p *Protocol) Get(ctx context.Context, id string) (scheduler.Task, error) {
	g, err := p.store.Snapshot(ctx)
	if err != nil {
		return scheduler.Task{}, err
	}
	task, ok := g.Task(id)
	if !ok {
		return scheduler.Task{}, notFound("get", id)
	}
	return *task, nil
}

// Ready returns ready tasks in creation order.
func (p *Protocol) Ready(ctx context.Context) ([]scheduler.Task, error) {
	g, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ids := scheduler.Ready(g, p.now().UTC())
	out := make([]scheduler.Task, 0, len(ids))
	for _, id := range ids {
		task, _ := g.Task(id)
		out = append(out, *task)
	}
	return out, nil
}

// Explain reports why id is or isn't ready.
func (p *Protocol) Explain(ctx context.Context, id string) (scheduler.Explanation, error) {
	g, err := p.store.Snapshot(ctx)
	if err != nil {
		return scheduler.Explanation{}, err
	}
	if !g.Has(id) {
		return scheduler.Explanation{}, notFound("why", id)
	}
	return scheduler.Explain(g, id, p.now().UTC())
}
