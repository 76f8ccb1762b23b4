package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/plan"
	"github.com/aristath/taskgraph/internal/scheduler"
)

func newCreateCmd(a *app) *cobra.Command {
	var (
		id          string
		description string
		dependsOn   []string
		requires    []string
		loops       []string
		notBefore   string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Add a task to the graph",
		Long: `Add an open task. Dependencies must already exist.

Loops are written target:max or target:max:guard, for example
  --loop 'draft:3:review.status == failed'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := claim.NewTask{
				ID:          id,
				Title:       args[0],
				Description: description,
				DependsOn:   dependsOn,
				Requires:    requires,
			}
			for _, l := range loops {
				edge, err := parseLoop(l)
				if err != nil {
					return err
				}
				spec.LoopEdges = append(spec.LoopEdges, edge)
			}
			if notBefore != "" {
				t, err := parseWhen(notBefore, time.Now())
				if err != nil {
					return err
				}
				spec.NotBefore = &t
			}

			created, err := a.protocol.Create(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(created[0])
			}
			a.printf("%s\n", created[0].ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Task ID (generated when empty)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Longer description")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "IDs this task waits for")
	cmd.Flags().StringSliceVar(&requires, "requires", nil, "Skills a worker must offer")
	cmd.Flags().StringArrayVar(&loops, "loop", nil, "Loop edge target:max[:guard] (repeatable)")
	cmd.Flags().StringVar(&notBefore, "not-before", "", "Not ready before this time (RFC 3339 or duration)")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <plan.yaml>",
		Short: "Create every task in a YAML plan",
		Long: `Create every task in a YAML plan in one transaction. If any task would
break the graph (a cycle, a missing dependency, an existing ID) nothing is
created. Use - to read the plan from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pl  plan.Plan
				err error
			)
			if args[0] == "-" {
				pl, err = plan.Load(os.Stdin)
			} else {
				pl, err = plan.LoadFile(args[0])
			}
			if err != nil {
				return err
			}

			created, err := plan.Apply(cmd.Context(), a.protocol, pl)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(created)
			}
			for _, task := range created {
				a.printf("%s\n", task.ID)
			}
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		readyOnly bool
		status    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "List tasks in creation order. With --ready, only tasks a worker could claim now, in dispatch order.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !scheduler.Status(status).IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}

			var tasks []scheduler.Task
			if readyOnly {
				ready, err := a.protocol.Ready(cmd.Context())
				if err != nil {
					return err
				}
				tasks = ready
			} else {
				g, err := a.store.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				for _, task := range g.Tasks() {
					tasks = append(tasks, *task)
				}
			}

			if status != "" {
				filtered := tasks[:0]
				for _, task := range tasks {
					if task.Status == scheduler.Status(status) {
						filtered = append(filtered, task)
					}
				}
				tasks = filtered
			}

			if a.jsonOut {
				if tasks == nil {
					tasks = []scheduler.Task{}
				}
				return a.printJSON(tasks)
			}
			if len(tasks) == 0 {
				a.printf("No tasks\n")
				return nil
			}

			ready := make(map[string]bool)
			if !readyOnly {
				g, err := a.store.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range scheduler.Ready(g, time.Now()) {
					ready[id] = true
				}
			}
			for i := range tasks {
				writeTaskLine(a.out, &tasks[i], readyOnly || ready[tasks[i].ID])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&readyOnly, "ready", false, "Only ready tasks")
	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			task, ok := g.Task(args[0])
			if !ok {
				return &claim.Error{Op: "show", TaskID: args[0], Err: claim.ErrNotFound}
			}
			if a.jsonOut {
				return a.printJSON(task)
			}
			writeTask(a.out, task, scheduler.IsReady(g, task, time.Now()))
			return nil
		},
	}
}

func newWhyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "why <id>",
		Short: "Explain why a task is or isn't ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := a.protocol.Explain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(ex)
			}
			a.printf("%s: %s\n", ex.TaskID, ex.Reason)
			if len(ex.Chain) > 1 {
				a.printf("  via %s\n", strings.Join(ex.Chain, " -> "))
			}
			return nil
		},
	}
}

func newDependCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "depend <id> <depends-on>",
		Short: "Make a task wait for another",
		Long:  "Add a dependency edge. Edges that would close a cycle are rejected.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.protocol.AddDependency(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			writeOutcome(a.out, "depends on "+args[1], out)
			return nil
		},
	}
}

func newLoopCmd(a *app) *cobra.Command {
	var (
		guard    string
		maxIters int
	)

	cmd := &cobra.Command{
		Use:   "loop <id> <target>",
		Short: "Re-open target when id completes",
		Long: `Add a bounded loop edge. When <id> completes and the guard holds, <target>
is re-opened, along with every done task downstream of it, until the target
has been re-opened --max times.

Guards compare task fields, for example
  review.status == failed
  self.artifacts > 0 && !(target.iterations >= 2)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := scheduler.LoopEdge{Target: args[1], Guard: guard, MaxIterations: maxIters}
			if guard != "" {
				if _, err := scheduler.ParseGuard(guard); err != nil {
					return err
				}
			}
			out, err := a.protocol.AddLoopEdge(cmd.Context(), args[0], edge)
			if err != nil {
				return err
			}
			writeOutcome(a.out, "loops to "+describeLoop(edge), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&guard, "guard", "", "Condition evaluated on completion (empty means always)")
	cmd.Flags().IntVar(&maxIters, "max", 1, "Maximum times the target is re-opened")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show recorded state changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.requireState("history")
			if err != nil {
				return err
			}
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			history, err := state.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(history)
			}
			if len(history) == 0 {
				a.printf("No history\n")
				return nil
			}
			for _, tr := range history {
				line := fmt.Sprintf("%s  %-12s %-10s %s", tr.At.Local().Format(time.DateTime), tr.TaskID, tr.Op, tr.Actor)
				if tr.Detail != "" {
					line += ": " + tr.Detail
				}
				a.printf("%s\n", line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Most recent records to show (0 for all)")
	return cmd
}
