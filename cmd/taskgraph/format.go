package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/tui"
)

// parseWhen accepts an RFC 3339 timestamp or a duration from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or a duration like 2h", s)
	}
	return t, nil
}

// parseLoop reads a loop edge written as target:max or target:max:guard.
// Task IDs may contain colons, so each colon is tried as the end of the
// target in turn; the first split with a positive max and a valid guard wins.
func parseLoop(s string) (scheduler.LoopEdge, error) {
	err := fmt.Errorf("invalid loop %q: want target:max[:guard] with a positive integer max", s)
	for i := strings.Index(s, ":"); i > 0; {
		rest := s[i+1:]
		maxField, guard, hasGuard := strings.Cut(rest, ":")
		if n, convErr := strconv.Atoi(maxField); convErr == nil && n >= 1 {
			edge := scheduler.LoopEdge{Target: s[:i], MaxIterations: n}
			if !hasGuard {
				return edge, nil
			}
			edge.Guard = strings.TrimSpace(guard)
			_, guardErr := scheduler.ParseGuard(edge.Guard)
			if guardErr == nil {
				return edge, nil
			}
			err = fmt.Errorf("invalid loop %q: %w", s, guardErr)
		}

		next := strings.Index(rest, ":")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return scheduler.LoopEdge{}, err
}

func describeLoop(e scheduler.LoopEdge) string {
	s := fmt.Sprintf("%s (max %d)", e.Target, e.MaxIterations)
	if e.Guard != "" {
		s += " if " + e.Guard
	}
	return s
}

func writeTaskLine(w io.Writer, task *scheduler.Task, ready bool) {
	line := fmt.Sprintf("%s %-12s %-11s %s", tui.StatusIcon(task.Status, ready), task.ID, task.Status, task.Title)
	if task.AssignedTo != "" {
		line += "  [" + task.AssignedTo + "]"
	}
	fmt.Fprintln(w, line)
}

func writeTask(w io.Writer, task *scheduler.Task, ready bool) {
	status := string(task.Status)
	if ready {
		status += " (ready)"
	}
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-13s%s\n", name+":", value)
		}
	}

	field("ID", task.ID)
	field("Title", task.Title)
	field("Status", status)
	field("Assigned to", task.AssignedTo)
	field("Depends on", strings.Join(task.DependsOn, ", "))
	loops := make([]string, len(task.LoopEdges))
	for i, e := range task.LoopEdges {
		loops[i] = describeLoop(e)
	}
	field("Loops", strings.Join(loops, "; "))
	field("Requires", strings.Join(task.Requires, ", "))
	if task.IterationCount > 0 {
		field("Iteration", fmt.Sprintf("%d/%d", task.IterationCount, task.IterationCap))
	}
	field("Created", formatTime(&task.CreatedAt))
	field("Started", formatTime(task.StartedAt))
	field("Completed", formatTime(task.CompletedAt))
	field("Not before", formatTime(task.NotBefore))
	field("Artifacts", strings.Join(task.Artifacts, ", "))
	if task.Description != "" {
		fmt.Fprintf(w, "\n%s\n", task.Description)
	}
	if len(task.Log) > 0 {
		fmt.Fprintln(w, "\nLog:")
		for _, e := range task.Log {
			fmt.Fprintf(w, "  %s  %s: %s\n", e.At.Local().Format(time.DateTime), e.Actor, e.Message)
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

// writeOutcome reports a lifecycle operation. A no-op is reported as
// "already" rather than an error.
func writeOutcome(w io.Writer, verb string, out claim.Outcome) {
	if out.AlreadyApplied {
		fmt.Fprintf(w, "%s: already %s\n", out.Task.ID, verb)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", out.Task.ID, verb)
	for _, r := range out.Reopened {
		how := "re-opened by loop on " + r.Edge
		if r.Transitive {
			how = "re-opened downstream of loop on " + r.Edge
		}
		fmt.Fprintf(w, "%s: %s (iteration %d)\n", r.TaskID, how, r.Iteration)
	}
}
