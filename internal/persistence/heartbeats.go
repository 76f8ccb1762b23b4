package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Beat records a liveness signal from workerID at the current time.
func (s *SQLiteStore) Beat(ctx context.Context, workerID, taskID string) error {
	return s.BeatAt(ctx, workerID, taskID, s.now())
}

// BeatAt records a liveness signal at an explicit time. A beat never moves
// last_seen backwards, so a delayed writer can't make a live worker look
// dead.
func (s *SQLiteStore) BeatAt(ctx context.Context, workerID, taskID string, at time.Time) error {
	if workerID == "" {
		return fmt.Errorf("worker ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (worker_id, task_id, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			task_id = CASE WHEN excluded.task_id = '' THEN heartbeats.task_id ELSE excluded.task_id END,
			last_seen = MAX(heartbeats.last_seen, excluded.last_seen)
	`, workerID, taskID, toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// LastSeen returns the last heartbeat time for workerID. The bool is false
// when the worker has never beaten (or was forgotten).
func (s *SQLiteStore) LastSeen(ctx context.Context, workerID string) (time.Time, bool, error) {
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM heartbeats WHERE worker_id = ?`, workerID).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query heartbeat for %s: %w", workerID, err)
	}
	return fromUnix(lastSeen), true, nil
}

// Heartbeats lists every known worker, most recently seen first.
func (s *SQLiteStore) Heartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, task_id, last_seen FROM heartbeats
		ORDER BY last_seen DESC, worker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var lastSeen int64
		if err := rows.Scan(&hb.WorkerID, &hb.TaskID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		hb.LastSeen = fromUnix(lastSeen)
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

// Forget removes a worker's heartbeat, typically after its task was
// reclaimed or finished.
func (s *SQLiteStore) Forget(ctx context.Context, workerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE worker_id = ?`, workerID); err != nil {
		return fmt.Errorf("failed to forget %s: %w", workerID, err)
	}
	return nil
}
