package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/store"
)

// Exit codes. Conflicts are distinct from other failures so scripts can
// tell "someone else got there first" from "something broke".
const (
	exitOK        = 0
	exitError     = 1
	exitConflict  = 2
	exitInvariant = 3
	exitTimeout   = 4
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var claimErr *claim.Error
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &claimErr) && !errors.Is(err, claim.ErrNotFound):
		return exitConflict
	case errors.Is(err, store.ErrInvariantViolation):
		return exitInvariant
	case errors.Is(err, store.ErrTimeout):
		return exitTimeout
	default:
		return exitError
	}
}
