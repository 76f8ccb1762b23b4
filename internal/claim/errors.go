package claim

import (
	"errors"
	"fmt"

	"github.com/aristath/taskgraph/internal/scheduler"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrNotInProgress     = errors.New("not in progress")
	ErrNotReady          = errors.New("dependencies not satisfied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExists            = errors.New("task already exists")
)

// Error is a precondition failure on one task. It names the task and, where
// relevant, who holds it so the caller can report the conflict verbatim.
type Error struct {
	Op     string
	TaskID string
	Status scheduler.Status
	Holder string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.TaskID, e.Err)
	switch {
	case e.Holder != "":
		msg += fmt.Sprintf(" (status %s, assigned to %s)", e.Status, e.Holder)
	case e.Status != "":
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func precondition(op string, task *scheduler.Task, err error) *Error {
	return &Error{Op: op, TaskID: task.ID, Status: task.Status, Holder: task.AssignedTo, Err: err}
}

func notFound(op, id string) *Error {
	return &Error{Op: op, TaskID: id, Err: ErrNotFound}
}
