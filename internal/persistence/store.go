// Package persistence is the SQLite side channel next to the graph file:
// worker liveness heartbeats and the provenance log. Neither is a source of
// truth for task state; the graph store is.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Heartbeat is the last liveness signal seen from a worker.
type Heartbeat struct {
	WorkerID string
	TaskID   string
	LastSeen time.Time
}

// Transition is one provenance record.
type Transition struct {
	ID     int64
	At     time.Time
	Op     string // claim, complete, unclaim, ...
	TaskID string
	Actor  string
	Detail string
}

// Store defines the side-channel interface for heartbeats and provenance.
type Store interface {
	// Liveness
	Beat(ctx context.Context, workerID, taskID string) error
	BeatAt(ctx context.Context, workerID, taskID string, at time.Time) error
	LastSeen(ctx context.Context, workerID string) (time.Time, bool, error)
	Heartbeats(ctx context.Context) ([]Heartbeat, error)
	Forget(ctx context.Context, workerID string) error

	// Provenance
	RecordTransition(ctx context.Context, op, taskID, actor, detail string) error
	History(ctx context.Context, taskID string, limit int) ([]Transition, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout so
// the coordinator and worker processes can share the file.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own named database; the shared cache lets both pooled
// connections see it.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection for writes, one for a concurrent read
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
