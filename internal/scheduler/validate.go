package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Invariant names a rule every committed graph must satisfy.
type Invariant string

const (
	InvariantReferences Invariant = "references"  // Every referenced ID exists
	InvariantAcyclic    Invariant = "acyclic"     // depends_on alone forms a DAG
	InvariantAssignment Invariant = "assignment"  // in_progress iff assigned_to set
	InvariantTransition Invariant = "transition"  // Status changes follow the table
	InvariantIterations Invariant = "iterations"  // iteration_count within its cap
	InvariantAppendOnly Invariant = "append-only" // Log and artifacts only grow
	InvariantLoopEdge   Invariant = "loop-edge"   // Loop edges are bounded and parse
	InvariantStatus     Invariant = "status"      // Status is a known value
)

// ViolationError describes the first broken invariant found by Validate.
type ViolationError struct {
	TaskID    string
	Invariant Invariant
	Detail    string
}

func (e *ViolationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", e.Invariant, e.Detail)
	}
	return fmt.Sprintf("task %q: %s: %s", e.TaskID, e.Invariant, e.Detail)
}

func violation(taskID string, inv Invariant, format string, args ...any) *ViolationError {
	return &ViolationError{TaskID: taskID, Invariant: inv, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks next against every graph invariant. When prev is non-nil
// it also checks that each task's change from prev to next is legal: status
// moves follow the transition table, logs only grow, iteration counts never
// go backwards. Returns nil or a *ViolationError.
func Validate(prev, next *Graph) error {
	for _, task := range next.Tasks() {
		if err := validateTask(next, task); err != nil {
			return err
		}
		if prev == nil {
			continue
		}
		if before, ok := prev.Task(task.ID); ok {
			if err := validateChange(before, task); err != nil {
				return err
			}
		}
	}

	if prev != nil {
		for _, before := range prev.Tasks() {
			if !next.Has(before.ID) {
				return violation(before.ID, InvariantReferences, "task was removed")
			}
		}
	}

	_, err := Order(next)
	return err
}

func validateTask(g *Graph, task *Task) error {
	if !task.Status.IsValid() {
		return violation(task.ID, InvariantStatus, "unknown status %q", task.Status)
	}

	for _, depID := range task.DependsOn {
		if depID == task.ID {
			return violation(task.ID, InvariantAcyclic, "task depends on itself")
		}
		if !g.Has(depID) {
			return violation(task.ID, InvariantReferences, "depends on non-existent task %q", depID)
		}
	}

	for i, edge := range task.LoopEdges {
		if !g.Has(edge.Target) {
			return violation(task.ID, InvariantReferences, "loop edge %d targets non-existent task %q", i, edge.Target)
		}
		if edge.MaxIterations < 1 {
			return violation(task.ID, InvariantLoopEdge, "loop edge %d to %q must allow at least one iteration", i, edge.Target)
		}
		guard, err := ParseGuard(edge.Guard)
		if err != nil {
			return violation(task.ID, InvariantLoopEdge, "loop edge %d guard: %v", i, err)
		}
		for _, ref := range guard.Refs() {
			if ref == refSelf || ref == refTarget {
				continue
			}
			if !g.Has(ref) {
				return violation(task.ID, InvariantReferences, "loop edge %d guard references non-existent task %q", i, ref)
			}
		}
	}

	inProgress := task.Status == StatusInProgress
	assigned := task.AssignedTo != ""
	if inProgress != assigned {
		return violation(task.ID, InvariantAssignment, "status %s with assigned_to %q", task.Status, task.AssignedTo)
	}

	if task.IterationCount < 0 {
		return violation(task.ID, InvariantIterations, "negative iteration_count %d", task.IterationCount)
	}
	if task.IterationCount > 0 && task.IterationCount > task.IterationCap {
		return violation(task.ID, InvariantIterations, "iteration_count %d exceeds cap %d", task.IterationCount, task.IterationCap)
	}

	return nil
}

func validateChange(before, after *Task) error {
	if before.Status != after.Status && !CanTransition(before.Status, after.Status) {
		return violation(after.ID, InvariantTransition, "illegal transition %s -> %s", before.Status, after.Status)
	}

	if after.IterationCount < before.IterationCount {
		return violation(after.ID, InvariantIterations, "iteration_count went from %d to %d", before.IterationCount, after.IterationCount)
	}

	if len(after.Log) < len(before.Log) {
		return violation(after.ID, InvariantAppendOnly, "log shrank from %d to %d entries", len(before.Log), len(after.Log))
	}
	for i := range before.Log {
		if !before.Log[i].At.Equal(after.Log[i].At) || before.Log[i].Message != after.Log[i].Message || before.Log[i].Actor != after.Log[i].Actor {
			return violation(after.ID, InvariantAppendOnly, "log entry %d was rewritten", i)
		}
	}

	// A loop re-activation is the one place artifacts are reset.
	reactivated := after.Status == StatusOpen &&
		(before.Status == StatusDone || after.IterationCount > before.IterationCount)
	if !reactivated {
		if len(after.Artifacts) < len(before.Artifacts) {
			return violation(after.ID, InvariantAppendOnly, "artifacts shrank from %d to %d", len(before.Artifacts), len(after.Artifacts))
		}
		for i := range before.Artifacts {
			if before.Artifacts[i] != after.Artifacts[i] {
				return violation(after.ID, InvariantAppendOnly, "artifact %d was rewritten", i)
			}
		}
	}

	return nil
}

// Order returns task IDs in a topological order of depends_on, or a
// *ViolationError naming the cycle participants. Loop edges are not part of
// the order.
func Order(g *Graph) ([]string, error) {
	var edges []toposort.Edge
	for _, task := range g.Tasks() {
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, depID := range task.DependsOn {
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, violation("", InvariantAcyclic, "depends_on contains a cycle through %s", strings.Join(cycleMembers(g), ", "))
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != g.Len() {
		return nil, violation("", InvariantAcyclic, "depends_on contains a cycle through %s", strings.Join(cycleMembers(g), ", "))
	}
	return order, nil
}

// cycleMembers returns the IDs left over after repeatedly peeling tasks with
// no remaining dependencies: exactly the tasks on or behind a cycle.
func cycleMembers(g *Graph) []string {
	remaining := make(map[string]int, g.Len())
	for _, task := range g.Tasks() {
		remaining[task.ID] = len(task.DependsOn)
	}

	queue := []string{}
	for id, n := range remaining {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		delete(remaining, id)
		for _, dependent := range g.Dependents(id) {
			if _, ok := remaining[dependent]; !ok {
				continue
			}
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	members := []string{}
	for _, task := range g.Tasks() {
		if _, ok := remaining[task.ID]; ok {
			members = append(members, task.ID)
		}
	}
	return members
}
