package postgres

const schema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	mapping_id TEXT PRIMARY KEY,
	last_row   INTEGER NOT NULL DEFAULT 0 CHECK (last_row >= 0),
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_records (
	id         UUID PRIMARY KEY,
	kind       TEXT NOT NULL,
	fields     JSONB NOT NULL,
	submitted  BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sync_records_kind ON sync_records (kind);
CREATE INDEX IF NOT EXISTS idx_sync_records_fields ON sync_records USING GIN (fields jsonb_path_ops);

CREATE TABLE IF NOT EXISTS sync_audit (
	id          UUID PRIMARY KEY,
	mapping_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	trigger     TEXT,
	ip_address  TEXT,
	start_row   INTEGER NOT NULL,
	end_row     INTEGER NOT NULL,
	inserted    INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	unchanged   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	failed_in   TEXT,
	error       TEXT,
	errors      JSONB NOT NULL DEFAULT '[]',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_audit_mapping ON sync_audit (mapping_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_audit_finished ON sync_audit (finished_at);
`
