package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicGraph = "graph"
)

// Event type constants
const (
	EventTypeTaskDispatched     = "task.dispatched"
	EventTypeTaskDispatchFailed = "task.dispatch_failed"
	EventTypeTaskOutput         = "task.output"
	EventTypeTaskFinished       = "task.finished"
	EventTypeTaskReclaimed      = "task.reclaimed"
	EventTypeTaskReopened       = "task.reopened"
	EventTypeGraphProgress      = "graph.progress"
)

// TaskDispatchedEvent is published when the coordinator has claimed a task
// and handed it to an executor.
type TaskDispatchedEvent struct {
	ID        string
	Title     string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskDispatchFailedEvent is published when a spawn failed and the claim was
// rolled back.
type TaskDispatchFailedEvent struct {
	ID         string
	WorkerID   string
	Err        error
	RolledBack bool
	Timestamp  time.Time
}

func (e TaskDispatchFailedEvent) EventType() string { return EventTypeTaskDispatchFailed }
func (e TaskDispatchFailedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published for each line a worker writes.
type TaskOutputEvent struct {
	ID        string
	WorkerID  string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published when a worker process exits and its result
// was reported.
type TaskFinishedEvent struct {
	ID        string
	WorkerID  string
	Status    string // done, failed, or open when released on shutdown
	Artifacts []string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// TaskReclaimedEvent is published when the dead-worker sweep returns a task
// to open.
type TaskReclaimedEvent struct {
	ID        string
	WorkerID  string
	LastSeen  time.Time // Zero if the worker never sent a heartbeat
	Timestamp time.Time
}

func (e TaskReclaimedEvent) EventType() string { return EventTypeTaskReclaimed }
func (e TaskReclaimedEvent) TaskID() string    { return e.ID }

// TaskReopenedEvent is published for each task a loop edge moved back to open.
type TaskReopenedEvent struct {
	ID         string
	By         string // Task owning the loop edge
	Iteration  int
	Transitive bool
	Timestamp  time.Time
}

func (e TaskReopenedEvent) EventType() string { return EventTypeTaskReopened }
func (e TaskReopenedEvent) TaskID() string    { return e.ID }

// GraphProgressEvent is published once per coordinator tick.
type GraphProgressEvent struct {
	Total      int
	Ready      int
	Open       int
	InProgress int
	Done       int
	Failed     int
	Paused     int
	Abandoned  int
	Timestamp  time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) TaskID() string    { return "" }
