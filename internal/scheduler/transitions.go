package scheduler

import "fmt"

// transitions is the complete table of legal status changes. Every status
// assignment in the codebase goes through Transition, and Validate checks
// every committed change against the same table.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusPaused, StatusAbandoned},
	StatusInProgress: {StatusOpen, StatusDone, StatusFailed, StatusPaused, StatusAbandoned},
	StatusDone:       {StatusOpen}, // loop re-activation
	StatusFailed:     {StatusOpen}, // retry
	StatusAbandoned:  {StatusOpen},
	StatusPaused:     {StatusOpen},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves task to status to, keeping assigned_to consistent with
// the in-progress state. Leaving in_progress clears the assignee; entering it
// requires one to be set by the caller first.
func Transition(task *Task, to Status) error {
	if !CanTransition(task.Status, to) {
		return fmt.Errorf("task %q: illegal transition %s -> %s", task.ID, task.Status, to)
	}
	if to == StatusInProgress && task.AssignedTo == "" {
		return fmt.Errorf("task %q: in_progress requires an assignee", task.ID)
	}
	if to != StatusInProgress {
		task.AssignedTo = ""
	}
	task.Status = to
	return nil
}
