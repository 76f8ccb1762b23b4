package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/store"
)

// app holds what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	out    io.Writer
	errOut io.Writer

	// Flags
	storePath   string
	statePath   string
	actor       string
	lockTimeout time.Duration
	jsonOut     bool
	loadConfig  func() (*config.Config, error)

	cfg      *config.Config
	store    *store.Store
	state    *persistence.SQLiteStore
	protocol *claim.Protocol
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	return newApp(out, errOut, config.LoadDefault).rootCommand()
}

func newApp(out, errOut io.Writer, loadConfig func() (*config.Config, error)) *app {
	return &app{out: out, errOut: errOut, loadConfig: loadConfig}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskgraph",
		Short: "Shared task graph with an optimistic claim protocol",
		Long: `taskgraph keeps a dependency graph of tasks in a single JSONL file that
any number of agents and coordinators can read and update concurrently.

Workers claim ready tasks, report progress, and complete or fail them.
"taskgraph run" dispatches ready tasks to worker processes itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.storePath, "store", "", "Graph file (default from config, .taskgraph/graph.jsonl)")
	flags.StringVar(&a.statePath, "state", "", "Heartbeat and history database (default from config, .taskgraph/state.db)")
	flags.StringVar(&a.actor, "actor", "", "Name recorded for changes made by this command (default $TASKGRAPH_ACTOR or \"cli\")")
	flags.DurationVar(&a.lockTimeout, "lock-timeout", 0, "Give up acquiring the graph lock after this long")
	flags.BoolVar(&a.jsonOut, "json", false, "Print JSON instead of text")

	root.AddCommand(
		newCreateCmd(a),
		newImportCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newWhyCmd(a),
		newDependCmd(a),
		newLoopCmd(a),
		newHistoryCmd(a),
		newClaimCmd(a),
		newUnclaimCmd(a),
		newCompleteCmd(a),
		newFailCmd(a),
		newProgressCmd(a),
		newPauseCmd(a),
		newResumeCmd(a),
		newAbandonCmd(a),
		newRetryCmd(a),
		newDeferCmd(a),
		newHeartbeatCmd(a),
		newWorkersCmd(a),
		newRunCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return root
}

// open loads config, applies flag overrides and opens both stores.
func (a *app) open(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.storePath != "" {
		cfg.StorePath = a.storePath
	}
	if a.statePath != "" {
		cfg.StatePath = a.statePath
	}
	if a.lockTimeout > 0 {
		cfg.LockTimeout = config.Duration(a.lockTimeout)
	}
	if a.actor == "" {
		a.actor = os.Getenv("TASKGRAPH_ACTOR")
	}
	if a.actor == "" {
		a.actor = "cli"
	}
	a.cfg = cfg

	a.store, err = store.Open(cfg.StorePath, store.WithLockTimeout(cfg.LockTimeout.Std()))
	if err != nil {
		return err
	}

	opts := []claim.Option{claim.WithActor(a.actor)}
	a.state, err = persistence.NewSQLiteStore(ctx, cfg.StatePath)
	if err != nil {
		// The graph works without the side channel; only history and
		// heartbeats need it.
		log.Printf("WARNING: state database unavailable: %v", err)
	} else {
		opts = append(opts, claim.WithRecorder(a.state))
	}
	a.protocol = claim.New(a.store, opts...)
	return nil
}

func (a *app) close() error {
	if a.state == nil {
		return nil
	}
	err := a.state.Close()
	a.state = nil
	return err
}

// requireState returns the state database or an error naming the command
// that needs it.
func (a *app) requireState(what string) (*persistence.SQLiteStore, error) {
	if a.state == nil {
		return nil, fmt.Errorf("%s needs the state database at %s", what, a.cfg.StatePath)
	}
	return a.state, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
