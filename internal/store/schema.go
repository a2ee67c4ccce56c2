package store

// schemaVersion is the version written to schema_version on a fresh install.
const schemaVersion = 1

// schema holds evaluations, run records, their events and the
// consultation audit table.
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE evaluations (
	id          TEXT PRIMARY KEY,
	manifest    TEXT NOT NULL DEFAULT '',
	k           INTEGER NOT NULL DEFAULT 0,
	seed        INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	report      TEXT
);

CREATE TABLE run_records (
	run_id         TEXT PRIMARY KEY,
	evaluation_id  TEXT NOT NULL REFERENCES evaluations(id),
	document_id    TEXT NOT NULL,
	fold_id        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	final_state    TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	payload        TEXT NOT NULL
);

CREATE TABLE events (
	id       TEXT PRIMARY KEY,
	run_id   TEXT NOT NULL REFERENCES run_records(run_id),
	seq      INTEGER NOT NULL,
	type     TEXT NOT NULL,
	stage    TEXT NOT NULL,
	at       TEXT NOT NULL,
	payload  TEXT,
	UNIQUE(run_id, seq)
);

CREATE TABLE consultations (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES run_records(run_id),
	kind          TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	options       TEXT NOT NULL,
	default_value TEXT NOT NULL,
	requested_at  TEXT NOT NULL,
	deadline      TEXT NOT NULL,
	resolved_at   TEXT,
	source        TEXT NOT NULL DEFAULT '',
	decision      TEXT NOT NULL DEFAULT '',
	responder     TEXT NOT NULL DEFAULT '',
	note          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_records_evaluation ON run_records(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_run_records_fold ON run_records(evaluation_id, fold_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_consultations_run ON consultations(run_id);
`
