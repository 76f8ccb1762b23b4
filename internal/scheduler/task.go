package scheduler

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusOpen       Status = "open"        // Workable once dependencies are done
	StatusInProgress Status = "in_progress" // Claimed by a worker
	StatusDone       Status = "done"        // Finished successfully
	StatusFailed     Status = "failed"      // Finished with error
	StatusAbandoned  Status = "abandoned"   // Given up on
	StatusPaused     Status = "paused"      // Held back by an operator
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusDone, StatusFailed, StatusAbandoned, StatusPaused}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone, StatusFailed, StatusAbandoned, StatusPaused:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a task's run. Terminal tasks only come
// back through retry or a loop edge.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAbandoned
}

// LoopEdge is a bounded back-edge evaluated when its owning task completes.
type LoopEdge struct {
	Target        string `json:"target"`          // Task re-opened when the guard holds
	Guard         string `json:"guard,omitempty"` // Empty means always
	MaxIterations int    `json:"max_iterations"`  // Cap on the target's iteration_count
}

// LogEntry is one progress note on a task.
type LogEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor,omitempty"`
	Message string    `json:"message"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"` // Creation order, used as the deterministic tie-break
	Title          string     `json:"title,omitempty"`
	Description    string     `json:"description,omitempty"`
	Status         Status     `json:"status"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	LoopEdges      []LoopEdge `json:"loop_edges,omitempty"`
	Requires       []string   `json:"requires,omitempty"` // Skills a worker must offer
	IterationCount int        `json:"iteration_count,omitempty"`
	IterationCap   int        `json:"iteration_cap,omitempty"` // max_iterations of the edge that last re-opened it
	AssignedTo     string     `json:"assigned_to,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"` // Not ready before this instant
	Artifacts      []string   `json:"artifacts,omitempty"`
	Log            []LogEntry `json:"log,omitempty"`
}

// Note appends a log entry.
func (t *Task) Note(at time.Time, actor, message string) {
	t.Log = append(t.Log, LogEntry{At: at, Actor: actor, Message: message})
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.DependsOn = cloneStrings(t.DependsOn)
	cp.Requires = cloneStrings(t.Requires)
	cp.Artifacts = cloneStrings(t.Artifacts)
	if t.LoopEdges != nil {
		cp.LoopEdges = append([]LoopEdge(nil), t.LoopEdges...)
	}
	if t.Log != nil {
		cp.Log = append([]LogEntry(nil), t.Log...)
	}
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.NotBefore = cloneTime(t.NotBefore)
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
