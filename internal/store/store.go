package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/aristath/taskgraph/internal/scheduler"
)

const (
	// DefaultLockTimeout bounds lock acquisition when the caller's context
	// has no earlier deadline.
	DefaultLockTimeout = 10 * time.Second

	lockRetryDelay = 5 * time.Millisecond
	graphFileMode  = 0o644
)

// Store persists a Graph as a JSONL file next to a sidecar lock file. Any
// number of Store values, in any number of processes, may point at the same
// path; the lock file serializes them.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the default lock acquisition bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open returns a store for the graph file at path, creating parent
// directories and the lock file if needed. A missing graph file is an empty
// graph.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("graph path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	s := &Store{
		path:        abs,
		lockPath:    abs + ".lock",
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating directory: %w", ErrStorageIO, err)
	}
	return s, nil
}

// Path returns the graph file path.
func (s *Store) Path() string {
	return s.path
}

// Transact runs fn against the current graph under the exclusive lock. If fn
// returns nil and the result passes scheduler.Validate, the new graph is
// durably written before the lock is released. If fn returns an error or
// validation fails, nothing is written.
//
// The whole load-apply-validate-write sequence happens inside one
// continuously held lock, so concurrent transactions serialize.
func Transact[R any](ctx context.Context, s *Store, fn func(g *scheduler.Graph) (R, error)) (R, error) {
	var zero R

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return zero, err
	}
	defer unlock()

	raw, prev, err := s.load()
	if err != nil {
		return zero, err
	}

	next := prev.Clone()
	result, err := fn(next)
	if err != nil {
		return zero, err
	}

	if err := scheduler.Validate(prev, next); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}

	data, err := encodeGraph(next)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	if bytes.Equal(data, raw) {
		return result, nil
	}
	if err := writeFileAtomicDurable(s.path, data, graphFileMode); err != nil {
		return zero, fmt.Errorf("%w: writing %s: %w", ErrStorageIO, s.path, err)
	}
	return result, nil
}

// Update is Transact for callers with no result value.
func (s *Store) Update(ctx context.Context, fn func(g *scheduler.Graph) error) error {
	_, err := Transact(ctx, s, func(g *scheduler.Graph) (struct{}, error) {
		return struct{}{}, fn(g)
	})
	return err
}

// Snapshot returns a private copy of the last committed graph. It takes the
// shared lock, so it waits only for an in-flight Transact, never for other
// snapshots.
func (s *Store) Snapshot(ctx context.Context) (*scheduler.Graph, error) {
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, g, err := s.load()
	return g, err
}

func (s *Store) load() ([]byte, *scheduler.Graph, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, scheduler.NewGraph(), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %w", ErrStorageIO, s.path, err)
	}

	g, err := decodeGraph(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding %s: %w", ErrStorageIO, s.path, err)
	}
	return raw, g, nil
}

// acquire takes the sidecar lock in exclusive or shared mode, bounded by the
// earlier of the context deadline and the store's lock timeout.
func (s *Store) acquire(ctx context.Context, exclusive bool) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.lockPath)
	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(lockCtx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(lockCtx, lockRetryDelay)
	}

	if !locked || err != nil {
		_ = fl.Close()
		// Caller cancellation is not a timeout.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, s.lockPath)
		}
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("%w: locking %s: %w", ErrStorageIO, s.lockPath, err)
	}

	return func() {
		_ = fl.Unlock()
		_ = fl.Close()
	}, nil
}
