package persistence

import (
	"context"
	"fmt"
)

// RecordTransition appends a provenance record. It satisfies claim.Recorder.
func (s *SQLiteStore) RecordTransition(ctx context.Context, op, taskID, actor, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance (at, op, task_id, actor, detail)
		VALUES (?, ?, ?, ?, ?)
	`, toUnix(s.now()), op, taskID, actor, detail)
	if err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", op, taskID, err)
	}
	return nil
}

// History returns provenance records oldest first. An empty taskID returns
// records for every task; limit <= 0 means no limit, otherwise the most
// recent limit records are returned.
func (s *SQLiteStore) History(ctx context.Context, taskID string, limit int) ([]Transition, error) {
	query := `SELECT id, at, op, task_id, actor, detail FROM provenance`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.ID, &at, &tr.Op, &tr.TaskID, &tr.Actor, &tr.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		tr.At = fromUnix(at)
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	// Reverse to oldest first
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}
