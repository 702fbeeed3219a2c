package db

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS compile_runs (
	id            UUID PRIMARY KEY,
	code          TEXT NOT NULL,
	handle        BIGINT NOT NULL,
	status        TEXT NOT NULL,
	msg           TEXT NOT NULL DEFAULT '',
	log           TEXT NOT NULL DEFAULT '',
	artifact_hash TEXT NOT NULL DEFAULT '',
	start_time    TIMESTAMPTZ NOT NULL,
	end_time      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS compile_runs_code_start_idx ON compile_runs (code, start_time DESC);
`

const SqliteSchema = `
CREATE TABLE IF NOT EXISTS compile_runs (
	id            TEXT PRIMARY KEY,
	code          TEXT NOT NULL,
	handle        INTEGER NOT NULL,
	status        TEXT NOT NULL,
	msg           TEXT NOT NULL DEFAULT '',
	log           TEXT NOT NULL DEFAULT '',
	artifact_hash TEXT NOT NULL DEFAULT '',
	start_time    DATETIME NOT NULL,
	end_time      DATETIME
);
CREATE INDEX IF NOT EXISTS compile_runs_code_start_idx ON compile_runs (code, start_time DESC);
`
