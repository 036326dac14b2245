package db

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		last_fetched_at INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
	`

	sqlCreateStatusesTable = `CREATE TABLE IF NOT EXISTS statuses (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		original_status_id TEXT NOT NULL DEFAULT '',
		to_json TEXT NOT NULL DEFAULT '[]',
		cc_json TEXT NOT NULL DEFAULT '[]',
		attachments_json TEXT NOT NULL DEFAULT '[]',
		tags_json TEXT NOT NULL DEFAULT '[]',
		visibility TEXT NOT NULL DEFAULT 'public',
		sensitive INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		multiple INTEGER NOT NULL DEFAULT 0,
		end_time INTEGER,
		voters_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		edited_at INTEGER
	)`

	sqlCreateStatusesIndices = `
		CREATE INDEX IF NOT EXISTS idx_statuses_actor_id ON statuses(actor_id);
		CREATE INDEX IF NOT EXISTS idx_statuses_reply ON statuses(reply);
		CREATE INDEX IF NOT EXISTS idx_statuses_original ON statuses(original_status_id);
		CREATE INDEX IF NOT EXISTS idx_statuses_created_at ON statuses(created_at DESC);
	`

	sqlCreatePollChoicesTable = `CREATE TABLE IF NOT EXISTS poll_choices (
		status_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (status_id, name)
	)`

	sqlCreateCountersTable = `CREATE TABLE IF NOT EXISTS counters (
		id TEXT NOT NULL PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateFitnessActivitiesTable = `CREATE TABLE IF NOT EXISTS fitness_activities (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source TEXT NOT NULL,
		activity_type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		distance_meters REAL NOT NULL DEFAULT 0,
		map_polylines TEXT NOT NULL DEFAULT '[]',
		file_key TEXT NOT NULL DEFAULT '',
		status_id TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(actor_id, external_id)
	)`

	sqlCreateFitnessActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_fitness_actor_start ON fitness_activities(actor_id, start_time);
	`

	sqlCreateArchiveImportsTable = `CREATE TABLE IF NOT EXISTS archive_imports (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		archive_key TEXT NOT NULL,
		status TEXT NOT NULL,
		next_activity_index INTEGER NOT NULL DEFAULT 0,
		pending_media TEXT NOT NULL DEFAULT '[]',
		media_attachment_retry INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		first_failure_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		resolved_at INTEGER
	)`

	// at most one unresolved import per actor
	sqlCreateArchiveImportsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_imports_active ON archive_imports(actor_id) WHERE resolved_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_archive_imports_actor ON archive_imports(actor_id);
	`
)

// RunMigrations creates every table and index. It is safe to run on every start.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"actors", sqlCreateActorsTable},
			{"statuses", sqlCreateStatusesTable},
			{"poll_choices", sqlCreatePollChoicesTable},
			{"counters", sqlCreateCountersTable},
			{"fitness_activities", sqlCreateFitnessActivitiesTable},
			{"archive_imports", sqlCreateArchiveImportsTable},
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, t.sql); err != nil {
				return fmt.Errorf("error creating table %s: %w", t.name, err)
			}
		}

		indices := []string{
			sqlCreateActorsIndices,
			sqlCreateStatusesIndices,
			sqlCreateFitnessActivitiesIndices,
			sqlCreateArchiveImportsIndices,
		}
		for _, idx := range indices {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("error creating indices: %w", err)
			}
		}

		db.extendExistingTables(ctx, tx)
		return nil
	})
}

// extendExistingTables adds columns introduced after the first schema.
// Errors are ignored because the column may already exist.
func (db *DB) extendExistingTables(ctx context.Context, tx *sql.Tx) {
	tx.ExecContext(ctx, "ALTER TABLE actors ADD COLUMN home_latitude REAL")
	tx.ExecContext(ctx, "ALTER TABLE actors ADD COLUMN home_longitude REAL")
	tx.ExecContext(ctx, "ALTER TABLE actors ADD COLUMN privacy_radius INTEGER NOT NULL DEFAULT 0")
}
