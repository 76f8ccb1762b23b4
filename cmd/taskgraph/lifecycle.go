package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/claim"
)

// Worker processes started by "taskgraph run" get these, so their own
// taskgraph calls can omit the task and worker.
const (
	envTaskID   = "TASKGRAPH_TASK_ID"
	envWorkerID = "TASKGRAPH_WORKER_ID"
)

// taskArg returns the task ID from args, falling back to $TASKGRAPH_TASK_ID.
func taskArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if id := os.Getenv(envTaskID); id != "" {
		return id, nil
	}
	return "", errors.New("task ID is required (argument or $" + envTaskID + ")")
}

func workerFlag(worker, actor string) string {
	if worker != "" {
		return worker
	}
	if id := os.Getenv(envWorkerID); id != "" {
		return id
	}
	return actor
}

// reporter returns the worker a report is checked against: --worker, else
// $TASKGRAPH_WORKER_ID. Empty means whoever holds the task.
func reporter(worker string) string {
	if worker != "" {
		return worker
	}
	return os.Getenv(envWorkerID)
}

const reportWorkerUsage = "Only apply if this worker holds the task (default $TASKGRAPH_WORKER_ID)"

func newClaimCmd(a *app) *cobra.Command {
	var (
		worker string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Take an open task",
		Long: `Move an open, ready task to in_progress under a worker. If another worker
got there first the command fails with exit status 2 and names the holder.
Claiming a task you already hold succeeds without changing anything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := workerFlag(worker, a.actor)
			out, err := a.protocol.Claim(cmd.Context(), args[0], w, claim.ClaimOptions{Force: force})
			if err != nil {
				return err
			}
			writeOutcome(a.out, "claimed by "+w, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "Worker ID (default $TASKGRAPH_WORKER_ID or --actor)")
	cmd.Flags().BoolVar(&force, "force", false, "Claim even if dependencies are not done")
	return cmd
}

func newUnclaimCmd(a *app) *cobra.Command {
	var (
		worker string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "unclaim <id>",
		Short: "Return an in-progress task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.Unclaim(cmd.Context(), args[0], claim.UnclaimOptions{ExpectWorker: worker, Reason: reason})
			if err != nil {
				return err
			}
			writeOutcome(a.out, "open", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "Only unclaim if this worker still holds the task")
	cmd.Flags().StringVar(&reason, "reason", "", "Recorded in the task log")
	return cmd
}

func newCompleteCmd(a *app) *cobra.Command {
	var (
		worker    string
		artifacts []string
	)

	cmd := &cobra.Command{
		Use:   "complete [id]",
		Short: "Mark an in-progress task done",
		Long: `Mark an in-progress task done and evaluate its loop edges. Tasks re-opened
by a loop are listed.

With a worker, the task must be held by it. Repeating a completion the worker
already made reports "already done" even if the task has since moved on.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := taskArg(args)
			if err != nil {
				return err
			}
			out, err := a.protocol.Complete(cmd.Context(), id, reporter(worker), artifacts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(out)
			}
			writeOutcome(a.out, "done", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", reportWorkerUsage)
	cmd.Flags().StringArrayVarP(&artifacts, "artifact", "a", nil, "Artifact reference to attach (repeatable)")
	return cmd
}

func newFailCmd(a *app) *cobra.Command {
	var (
		worker string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "fail [id]",
		Short: "Mark an in-progress task failed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := taskArg(args)
			if err != nil {
				return err
			}
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			out, err := a.protocol.Fail(cmd.Context(), id, reporter(worker), reason)
			if err != nil {
				return err
			}
			writeOutcome(a.out, "failed", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", reportWorkerUsage)
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task failed")
	return cmd
}

func newProgressCmd(a *app) *cobra.Command {
	var (
		worker    string
		artifacts []string
	)

	cmd := &cobra.Command{
		Use:   "progress [id] <note>",
		Short: "Log progress on an in-progress task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			note := args[len(args)-1]
			id, err := taskArg(args[:len(args)-1])
			if err != nil {
				return err
			}
			out, err := a.protocol.Progress(cmd.Context(), id, reporter(worker), note, artifacts)
			if err != nil {
				return err
			}
			writeOutcome(a.out, "noted", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", reportWorkerUsage)
	cmd.Flags().StringArrayVarP(&artifacts, "artifact", "a", nil, "Artifact reference to attach (repeatable)")
	return cmd
}

func newPauseCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Hold a task back from dispatch",
		Long:  "Pause an open or in-progress task. Pausing an in-progress task releases its worker.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.Pause(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			writeOutcome(a.out, "paused", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Recorded in the task log")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Return a paused task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeOutcome(a.out, "open", out)
			return nil
		},
	}
}

func newAbandonCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Give up on a task for good",
		Long:  "Abandon a task. Tasks that depend on it stay blocked unless it is retried.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.Abandon(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			writeOutcome(a.out, "abandoned", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Recorded in the task log")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a failed or abandoned task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeOutcome(a.out, "open", out)
			return nil
		},
	}
}

func newDeferCmd(a *app) *cobra.Command {
	var unset bool

	cmd := &cobra.Command{
		Use:   "defer <id> [until]",
		Short: "Keep a task from being ready until a time",
		Long: `Set a task's not-before time. until is an RFC 3339 timestamp or a
duration from now such as 90m. --clear removes it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var until time.Time
			switch {
			case unset && len(args) == 2:
				return errors.New("--clear takes no time")
			case !unset && len(args) == 1:
				return errors.New("a time or --clear is required")
			case !unset:
				t, err := parseWhen(args[1], time.Now())
				if err != nil {
					return err
				}
				until = t
			}

			out, err := a.protocol.Defer(cmd.Context(), args[0], until)
			if err != nil {
				return err
			}
			if until.IsZero() {
				writeOutcome(a.out, "not deferred", out)
			} else {
				writeOutcome(a.out, "deferred until "+until.Local().Format(time.DateTime), out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unset, "clear", false, "Remove the not-before time")
	return cmd
}

func newHeartbeatCmd(a *app) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   "heartbeat [id]",
		Short: "Tell coordinators a worker is alive",
		Long: `Record a liveness signal for a worker. Coordinators re-open tasks whose
worker stays silent past the liveness timeout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.requireState("heartbeat")
			if err != nil {
				return err
			}
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			} else {
				taskID = os.Getenv(envTaskID)
			}
			w := workerFlag(worker, a.actor)
			if err := state.Beat(cmd.Context(), w, taskID); err != nil {
				return err
			}
			if !a.jsonOut {
				a.printf("%s: alive\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "Worker ID (default $TASKGRAPH_WORKER_ID or --actor)")
	return cmd
}

func newWorkersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers by last heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.requireState("workers")
			if err != nil {
				return err
			}
			beats, err := state.Heartbeats(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(beats)
			}
			if len(beats) == 0 {
				a.printf("No workers\n")
				return nil
			}
			timeout := a.cfg.Coordinator.LivenessTimeout.Std()
			now := time.Now()
			for _, hb := range beats {
				age := now.Sub(hb.LastSeen)
				liveness := "alive"
				if age > timeout {
					liveness = "silent"
				}
				a.printf("%-20s %-12s %-6s %s ago\n", hb.WorkerID, hb.TaskID, liveness, age.Round(time.Second))
			}
			return nil
		},
	}
}
