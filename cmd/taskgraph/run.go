package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/coordinator"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/executor"
	"github.com/aristath/taskgraph/internal/tui"
)

// shutdownTimeout bounds how long a signal-triggered shutdown waits for
// workers and the dashboard before giving up on them.
const shutdownTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		untilIdle      bool
		withTUI        bool
		maxConcurrency int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch ready tasks to worker processes",
		Long: `Run a coordinator: claim ready tasks, start the configured executor command
for each, and record the result when it exits. Workers that stop sending
heartbeats have their tasks re-opened.

The command is a Go template; {{.Task.ID}}, {{.Task.Title}}, {{.WorkerID}}
and {{.StorePath}} are available.

Any number of coordinators may run against the same graph.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.requireState("run")
			if err != nil {
				return err
			}
			if maxConcurrency > 0 {
				a.cfg.Coordinator.MaxConcurrency = maxConcurrency
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if a.cfg.Executor.Command == "" {
				return errors.New("executor.command is not configured (set it in .taskgraph/config.json)")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			bus := events.NewEventBus()
			defer bus.Close()
			pm := executor.NewProcessManager()

			protocol := a.protocol
			if !cmd.Flags().Changed("actor") && os.Getenv("TASKGRAPH_ACTOR") == "" {
				protocol = claim.New(a.store, claim.WithActor("coordinator"), claim.WithRecorder(state))
			}

			exec, err := executor.New(ctx, a.cfg.ExecutorSettings(), protocol, state,
				executor.WithEventBus(bus), executor.WithProcessManager(pm))
			if err != nil {
				return err
			}

			var matcher coordinator.Matcher = coordinator.MatchAll{}
			if skills := a.cfg.Executor.Skills; len(skills) > 0 {
				matcher = coordinator.NewSkillMatcher(skills)
			}
			coord := coordinator.New(a.cfg.CoordinatorSettings(untilIdle), protocol, exec, state,
				coordinator.WithEventBus(bus), coordinator.WithMatcher(matcher))

			printed := make(chan struct{})
			if withTUI {
				close(printed)
				err = a.runWithTUI(ctx, coord, bus)
			} else {
				sub := bus.SubscribeAll(256)
				go func() {
					printEvents(a.out, sub)
					close(printed)
				}()
				err = coord.Run(ctx)
			}

			// Workers still running are killed with ctx and their tasks
			// released.
			cancel()
			shutdown(exec, pm)
			bus.Close()
			<-printed

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "Exit once nothing is ready, running or deferred")
	cmd.Flags().BoolVar(&withTUI, "tui", false, "Show the dashboard while running")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Override coordinator.max_concurrency")
	return cmd
}

// runWithTUI runs the coordinator behind the dashboard until the user quits
// or ctx is cancelled. Logs go to run.log next to the state database so
// they don't tear the screen.
func (a *app) runWithTUI(ctx context.Context, coord *coordinator.Coordinator, bus *events.EventBus) error {
	logFile, err := tea.LogToFile(filepath.Join(filepath.Dir(a.cfg.StatePath), "run.log"), "taskgraph ")
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer func() {
		log.SetOutput(os.Stderr)
		logFile.Close()
	}()

	coordCtx, stopCoord := context.WithCancel(ctx)
	defer stopCoord()
	coordErr := make(chan error, 1)
	go func() {
		coordErr <- coord.Run(coordCtx)
	}()

	model := tui.New(bus, a.store.Snapshot, a.cfg.Coordinator.TickInterval.Std())
	uiErr := runProgram(ctx, tea.NewProgram(model, tea.WithAltScreen()))

	stopCoord()
	if err := <-coordErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return uiErr
}

// shutdown waits for running workers to be released, killing them if they
// outlive shutdownTimeout.
func shutdown(exec *executor.ProcessExecutor, pm *executor.ProcessManager) {
	done := make(chan struct{})
	go func() {
		exec.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Println("Shutdown timeout exceeded, killing workers")
		if err := pm.KillAll(); err != nil {
			log.Printf("Error killing workers: %v", err)
		}
	}
}

// printEvents writes one line per coordinator event until sub closes.
func printEvents(w io.Writer, sub <-chan events.Event) {
	for event := range sub {
		ts := time.Now().Format(time.TimeOnly)
		switch e := event.(type) {
		case events.TaskDispatchedEvent:
			fmt.Fprintf(w, "%s dispatched %s to %s\n", ts, e.ID, e.WorkerID)
		case events.TaskDispatchFailedEvent:
			fmt.Fprintf(w, "%s spawn failed for %s: %v\n", ts, e.ID, e.Err)
		case events.TaskOutputEvent:
			fmt.Fprintf(w, "%s [%s] %s\n", ts, e.ID, e.Line)
		case events.TaskFinishedEvent:
			line := fmt.Sprintf("%s %s %s on %s after %v", ts, e.ID, e.Status, e.WorkerID, e.Duration.Round(time.Millisecond))
			if e.Err != nil {
				line += ": " + e.Err.Error()
			}
			fmt.Fprintln(w, line)
		case events.TaskReclaimedEvent:
			fmt.Fprintf(w, "%s reclaimed %s from silent worker %s\n", ts, e.ID, e.WorkerID)
		case events.TaskReopenedEvent:
			fmt.Fprintf(w, "%s %s re-opened by loop on %s (iteration %d)\n", ts, e.ID, e.By, e.Iteration)
		}
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the graph dashboard",
		Long:  "Poll the graph and show progress. Worker output is only shown by \"run --tui\".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model := tui.New(nil, a.store.Snapshot, interval)
			return runProgram(cmd.Context(), tea.NewProgram(model, tea.WithAltScreen()))
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	return cmd
}

// runProgram runs p until it exits or ctx is cancelled.
func runProgram(ctx context.Context, p *tea.Program) error {
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal exit (user pressed 'q')
		return err
	case <-ctx.Done():
		log.Println("Shutdown signal received, cleaning up...")
		p.Quit()

		select {
		case err := <-errChan:
			return err
		case <-time.After(shutdownTimeout):
			log.Println("Shutdown timeout exceeded, forcing exit")
			p.Kill()
			return nil
		}
	}
}
