package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// All timestamps are INTEGER unix milliseconds in UTC.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	account          TEXT NOT NULL,
	folder           TEXT NOT NULL,
	uidvalidity      INTEGER NOT NULL,
	last_complete_at INTEGER,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (account, folder)
);

CREATE TABLE IF NOT EXISTS raw_items (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	account           TEXT NOT NULL,
	stable_identifier TEXT NOT NULL,
	content_hash      TEXT NOT NULL DEFAULT '',
	message_id        TEXT NOT NULL DEFAULT '',
	body              BLOB,
	created_at        INTEGER NOT NULL,
	retired_at        INTEGER,
	warnings          TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(warnings)),
	embedding         BLOB,
	translation       BLOB,
	language          TEXT NOT NULL DEFAULT '',
	classification    TEXT,
	rule_actions      TEXT
);

CREATE TABLE IF NOT EXISTS server_state (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	account       TEXT NOT NULL,
	folder        TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	uidvalidity   INTEGER NOT NULL,
	message_id    TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	env_from      BLOB,
	env_subject   BLOB,
	env_date      INTEGER,
	flags         TEXT NOT NULL DEFAULT '',
	raw_item_id   INTEGER REFERENCES raw_items(id),
	is_deleted    INTEGER NOT NULL DEFAULT 0 CHECK (is_deleted IN (0, 1)),
	deleted_at    INTEGER,
	moved_to_id   INTEGER REFERENCES server_state(id),
	first_seen_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	UNIQUE (account, folder, uid, uidvalidity)
);

CREATE TABLE IF NOT EXISTS pipeline_steps (
	raw_item_id      INTEGER NOT NULL REFERENCES raw_items(id) ON DELETE CASCADE,
	step             TEXT NOT NULL CHECK (step IN ('embedding', 'translation', 'classification', 'rules')),
	completed_at     INTEGER,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	last_attempt_at  INTEGER,
	next_eligible_at INTEGER,
	lease_token      TEXT,
	lease_expires_at INTEGER,
	PRIMARY KEY (raw_item_id, step)
);

CREATE TABLE IF NOT EXISTS identity_conflicts (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	account               TEXT NOT NULL,
	stable_identifier     TEXT NOT NULL,
	server_state_id       INTEGER NOT NULL REFERENCES server_state(id),
	other_server_state_id INTEGER REFERENCES server_state(id),
	raw_item_id           INTEGER REFERENCES raw_items(id),
	detected_at           INTEGER NOT NULL,
	resolved_at           INTEGER
);

CREATE TABLE IF NOT EXISTS sync_passes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account      TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL,
	fetches      INTEGER NOT NULL DEFAULT 0,
	moves        INTEGER NOT NULL DEFAULT 0,
	flag_changes INTEGER NOT NULL DEFAULT 0,
	deletes      INTEGER NOT NULL DEFAULT 0,
	conflicts    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_server_state_message_id ON server_state(account, message_id);
CREATE INDEX IF NOT EXISTS idx_server_state_content_hash ON server_state(account, content_hash);
CREATE INDEX IF NOT EXISTS idx_server_state_raw_item ON server_state(raw_item_id);
CREATE INDEX IF NOT EXISTS idx_server_state_unfetched ON server_state(account, id)
	WHERE raw_item_id IS NULL AND is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_raw_items_stable ON raw_items(account, stable_identifier);
CREATE INDEX IF NOT EXISTS idx_pipeline_steps_claim ON pipeline_steps(step, completed_at, next_eligible_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_steps_lease ON pipeline_steps(lease_expires_at)
	WHERE lease_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_identity_conflicts_open ON identity_conflicts(account)
	WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sync_passes_account ON sync_passes(account, finished_at);
`,
	},
}
