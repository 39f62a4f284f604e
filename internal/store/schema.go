package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cursors (
	repo    TEXT PRIMARY KEY,
	last_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	remote_id   INTEGER PRIMARY KEY,
	delivery_id TEXT NOT NULL UNIQUE,
	repo        TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	action      TEXT NOT NULL,
	claimed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS event_log_repo_idx ON event_log(repo);

CREATE TABLE IF NOT EXISTS dispatch_log (
	remote_id    INTEGER NOT NULL,
	handler_name TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	exit_status  INTEGER NOT NULL,
	stdout       TEXT NOT NULL,
	stderr       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT NOT NULL,
	PRIMARY KEY (remote_id, handler_name)
);
`
