package scheduler

import (
	"fmt"
	"time"
)

// Reopened records one task moved back to open by a loop edge.
type Reopened struct {
	TaskID     string
	Edge       string // ID of the task owning the loop edge
	Iteration  int    // iteration_count after the re-open
	Transitive bool   // Re-opened because an upstream task was
}

// actorLoop marks log entries written by the loop resolver.
const actorLoop = "loop"

// ResolveLoops evaluates the loop edges of the task that just completed and
// re-opens their targets. It must run in the same transaction that marked
// completedID done. Guards see the post-completion graph.
//
// For each edge whose guard holds and whose target is below max_iterations,
// the target moves back to open with its run state cleared (log kept) and
// iteration_count incremented. Every done task downstream of a re-opened task
// is re-opened too, since its result was built on the invalidated one, unless
// it has already run max_iterations times; such a task stays done, gets a log
// note, and the walk does not continue past it.
func ResolveLoops(g *Graph, completedID string, now time.Time) ([]Reopened, error) {
	owner, ok := g.Task(completedID)
	if !ok {
		return nil, fmt.Errorf("task %q not found", completedID)
	}

	var reopened []Reopened
	for _, edge := range owner.LoopEdges {
		guard, err := ParseGuard(edge.Guard)
		if err != nil {
			return reopened, fmt.Errorf("task %q loop edge to %q: %w", owner.ID, edge.Target, err)
		}
		holds, err := guard.Eval(GuardEnv{Graph: g, Self: owner.ID, Target: edge.Target})
		if err != nil {
			return reopened, fmt.Errorf("task %q loop edge to %q: %w", owner.ID, edge.Target, err)
		}
		if !holds {
			continue
		}

		target, ok := g.Task(edge.Target)
		if !ok {
			return reopened, fmt.Errorf("task %q loop edge targets non-existent task %q", owner.ID, edge.Target)
		}
		if target.IterationCount >= edge.MaxIterations {
			owner.Note(now, actorLoop, fmt.Sprintf("loop to %s exhausted (%d/%d)", target.ID, target.IterationCount, edge.MaxIterations))
			continue
		}
		switch target.Status {
		case StatusDone, StatusFailed:
		case StatusOpen:
			continue
		default:
			owner.Note(now, actorLoop, fmt.Sprintf("loop to %s skipped: target is %s", target.ID, target.Status))
			continue
		}

		if err := reopen(target, edge.MaxIterations, now, fmt.Sprintf("re-opened by loop from %s", owner.ID)); err != nil {
			return reopened, err
		}
		reopened = append(reopened, Reopened{TaskID: target.ID, Edge: owner.ID, Iteration: target.IterationCount})
		downstream, err := reopenDownstream(g, target.ID, owner.ID, edge.MaxIterations, now)
		reopened = append(reopened, downstream...)
		if err != nil {
			return reopened, err
		}
	}
	return reopened, nil
}

// reopenDownstream walks the reverse index breadth-first from rootID and
// re-opens every done dependent. The visited set bounds the walk since
// depends_on is acyclic.
func reopenDownstream(g *Graph, rootID, edgeOwner string, maxIterations int, now time.Time) ([]Reopened, error) {
	var out []Reopened
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range g.Dependents(id) {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			dependent, ok := g.Task(depID)
			if !ok || dependent.Status != StatusDone {
				continue
			}
			if dependent.IterationCount >= maxIterations {
				dependent.Note(now, actorLoop, fmt.Sprintf("not re-opened after %s: loop from %s allows %d iteration(s), already at %d",
					id, edgeOwner, maxIterations, dependent.IterationCount))
				continue
			}
			if err := reopen(dependent, maxIterations, now, fmt.Sprintf("re-opened: upstream %s was re-opened by loop from %s", id, edgeOwner)); err != nil {
				return out, err
			}
			out = append(out, Reopened{TaskID: dependent.ID, Edge: edgeOwner, Iteration: dependent.IterationCount, Transitive: true})
			queue = append(queue, depID)
		}
	}
	return out, nil
}

// reopen resets task to open for another iteration of an edge allowing
// maxIterations. Callers check the count is below it first.
func reopen(task *Task, maxIterations int, now time.Time, message string) error {
	if err := Transition(task, StatusOpen); err != nil {
		return err
	}
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Artifacts = nil
	task.IterationCount++
	task.IterationCap = maxIterations
	task.Note(now, actorLoop, fmt.Sprintf("%s (iteration %d/%d)", message, task.IterationCount, maxIterations))
	return nil
}
