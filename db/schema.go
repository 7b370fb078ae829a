// ABOUTME: Database schema definitions and migrations
// ABOUTME: Handles SQLite table creation and initialization
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contact_links (
	user_id INTEGER NOT NULL,
	provider_slug TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, provider_slug),
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_contact_links_contact ON contact_links(provider_slug, contact_id);

CREATE TABLE IF NOT EXISTS credentials (
	provider_slug TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0,
	refresh_lease_owner TEXT NOT NULL DEFAULT '',
	refresh_lease_until INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_settings (
	provider_slug TEXT PRIMARY KEY,
	config TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_mappings (
	provider_slug TEXT NOT NULL,
	local_key TEXT NOT NULL,
	remote_key TEXT NOT NULL DEFAULT '',
	subtype TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (provider_slug, local_key)
);

CREATE TABLE IF NOT EXISTS catalog_entries (
	provider_slug TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('tags', 'fields')),
	remote_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (provider_slug, kind, remote_id)
);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id TEXT PRIMARY KEY,
	provider_slug TEXT NOT NULL,
	job_type TEXT NOT NULL CHECK(job_type IN ('resync_users', 'apply_tag', 'import_tag')),
	tag TEXT NOT NULL DEFAULT '',
	cursor INTEGER NOT NULL DEFAULT 0,
	scanned INTEGER NOT NULL DEFAULT 0,
	total_estimate INTEGER NOT NULL DEFAULT 0,
	chunk_size INTEGER NOT NULL,
	sleep_seconds REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed')),
	requeue TEXT NOT NULL DEFAULT '[]',
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_until INTEGER NOT NULL DEFAULT 0,
	next_run_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status, next_run_at);

CREATE TABLE IF NOT EXISTS batch_failures (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	record_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (job_id) REFERENCES batch_jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_batch_failures_job ON batch_failures(job_id);

CREATE TABLE IF NOT EXISTS sync_state (
	service TEXT PRIMARY KEY,
	last_sync_time DATETIME,
	last_sync_token TEXT,
	status TEXT CHECK(status IN ('idle', 'syncing', 'error')),
	error_message TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	source_service TEXT NOT NULL,
	source_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	imported_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata TEXT,
	UNIQUE(source_service, source_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_log_entity ON sync_log(entity_type, entity_id);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
