package scheduler

import (
	"fmt"
	"time"
)

// Explanation says why a task is or isn't ready.
type Explanation struct {
	TaskID  string
	Ready   bool
	Reason  string
	Chain   []string // From TaskID down to Blocker along depends_on
	Blocker string   // The first unsatisfied task found walking depends_on
}

// Explain walks depends_on from id and reports the first unsatisfied
// dependency, descending transitively until it reaches the task that is
// actually holding things up.
func Explain(g *Graph, id string, now time.Time) (Explanation, error) {
	task, ok := g.Task(id)
	if !ok {
		return Explanation{}, fmt.Errorf("task %q not found", id)
	}

	exp := Explanation{TaskID: id, Chain: []string{id}}
	if IsReady(g, task, now) {
		exp.Ready = true
		exp.Reason = "ready"
		return exp, nil
	}

	switch task.Status {
	case StatusOpen:
	case StatusInProgress:
		exp.Reason = fmt.Sprintf("in progress, assigned to %s", task.AssignedTo)
		return exp, nil
	default:
		exp.Reason = fmt.Sprintf("status is %s", task.Status)
		return exp, nil
	}
	if task.NotBefore != nil && now.Before(*task.NotBefore) {
		exp.Reason = fmt.Sprintf("deferred until %s", task.NotBefore.Format(time.RFC3339))
		return exp, nil
	}

	visited := map[string]bool{id: true}
	current := task
	for {
		blocker := firstUnsatisfied(g, current)
		if blocker == nil || visited[blocker.ID] {
			// Unreachable on a validated graph.
			exp.Reason = "no unsatisfied dependency found"
			return exp, nil
		}
		visited[blocker.ID] = true
		exp.Chain = append(exp.Chain, blocker.ID)
		exp.Blocker = blocker.ID

		switch blocker.Status {
		case StatusOpen:
			if IsReady(g, blocker, now) {
				exp.Reason = fmt.Sprintf("waiting on %s, which is ready but unclaimed", blocker.ID)
				return exp, nil
			}
			if blocker.NotBefore != nil && now.Before(*blocker.NotBefore) {
				exp.Reason = fmt.Sprintf("waiting on %s, deferred until %s", blocker.ID, blocker.NotBefore.Format(time.RFC3339))
				return exp, nil
			}
			current = blocker
		case StatusInProgress:
			exp.Reason = fmt.Sprintf("waiting on %s, in progress by %s", blocker.ID, blocker.AssignedTo)
			return exp, nil
		default:
			exp.Reason = fmt.Sprintf("blocked by %s, which is %s", blocker.ID, blocker.Status)
			return exp, nil
		}
	}
}

func firstUnsatisfied(g *Graph, task *Task) *Task {
	for _, depID := range task.DependsOn {
		dep, ok := g.Task(depID)
		if !ok {
			continue
		}
		if dep.Status != StatusDone {
			return dep
		}
	}
	return nil
}
