package scheduler

import "time"

// Ready returns the IDs of tasks that are dispatchable at now, in creation
// order. A task is ready when it is open, every dependency is done, and it is
// not deferred past now.
func Ready(g *Graph, now time.Time) []string {
	ready := []string{}
	for _, task := range g.Tasks() {
		if IsReady(g, task, now) {
			ready = append(ready, task.ID)
		}
	}
	return ready
}

// IsReady reports whether a single task is dispatchable at now.
func IsReady(g *Graph, task *Task, now time.Time) bool {
	if task.Status != StatusOpen {
		return false
	}
	if task.NotBefore != nil && now.Before(*task.NotBefore) {
		return false
	}
	for _, depID := range task.DependsOn {
		dep, ok := g.Task(depID)
		if !ok || dep.Status != StatusDone {
			return false
		}
	}
	return true
}
