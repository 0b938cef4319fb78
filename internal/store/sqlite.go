// Package store provides SQLite-backed persistence for the governance core.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	session_id       TEXT NOT NULL DEFAULT '',
	sequence_number  INTEGER NOT NULL,
	timestamp        TEXT NOT NULL,
	agent_id         TEXT NOT NULL DEFAULT '',
	operator_id      TEXT NOT NULL DEFAULT '',
	action           TEXT NOT NULL,
	target           TEXT NOT NULL DEFAULT '',
	classification   TEXT NOT NULL DEFAULT '',
	policy_decision  TEXT NOT NULL DEFAULT '',
	approved         INTEGER,
	approver_id      TEXT NOT NULL DEFAULT '',
	attestation_text TEXT NOT NULL DEFAULT '',
	reasoning        TEXT NOT NULL DEFAULT '',
	details_json     TEXT NOT NULL DEFAULT '{}',
	input_hash       TEXT NOT NULL,
	output_hash      TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	previous_hash    TEXT NOT NULL,
	UNIQUE(tenant_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON audit_entries(tenant_id, session_id, sequence_number);

CREATE TABLE IF NOT EXISTS chain_heads (
	tenant_id     TEXT PRIMARY KEY,
	last_hash     TEXT NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id          TEXT PRIMARY KEY,
	case_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	status          TEXT NOT NULL,
	state_version   INTEGER NOT NULL DEFAULT 1,
	snapshot_json   TEXT NOT NULL DEFAULT '{}',
	started_at      INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_case ON workflow_runs(case_id, status);

CREATE TABLE IF NOT EXISTS approval_gates (
	gate_id     TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	gate_json   TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL DEFAULT 0,
	resolved_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_gates_tenant_state ON approval_gates(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_gates_run ON approval_gates(run_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
