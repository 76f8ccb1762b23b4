package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps are
// unix nanoseconds so ordering and deadline arithmetic stay in SQL integers.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS heartbeats (
		worker_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_heartbeats_task_id ON heartbeats(task_id);

	CREATE TABLE IF NOT EXISTS provenance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		op TEXT NOT NULL,
		task_id TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_provenance_task_id ON provenance(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
