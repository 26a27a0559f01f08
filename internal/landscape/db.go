package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DB wraps the single writable SQLite connection that the recorder and the
// readers share. All mutations flow through short transactions on this
// connection; SQLite serializes the writes for us.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the audit database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// One writable connection keeps transactions serialized and lets the
	// in-memory DSN behave like a file for tests.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := applySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error. Cross-table invariants rely on this being the only mutation path.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after a successful commit is a no-op. The defer releases the
	// single connection even when fn panics on an invariant violation;
	// otherwise a recovered panic would pin it and wedge every later call.
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

func applySchema(conn *sql.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id            TEXT PRIMARY KEY,
		started_at        TEXT NOT NULL,
		completed_at      TEXT,
		config_hash       TEXT NOT NULL,
		settings_json     TEXT NOT NULL,
		canonical_version TEXT NOT NULL,
		status            TEXT NOT NULL,
		export_status     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id              TEXT NOT NULL,
		run_id               TEXT NOT NULL REFERENCES runs(run_id),
		plugin_name          TEXT NOT NULL,
		node_type            TEXT NOT NULL,
		plugin_version       TEXT NOT NULL,
		determinism          TEXT NOT NULL,
		config_hash          TEXT NOT NULL,
		config_json          TEXT NOT NULL,
		registered_at        TEXT NOT NULL,
		schema_hash          TEXT,
		schema_mode          TEXT,
		schema_fields_json   TEXT,
		sequence_in_pipeline INTEGER,
		PRIMARY KEY (node_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id      TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(run_id),
		from_node_id TEXT NOT NULL,
		to_node_id   TEXT NOT NULL,
		label        TEXT NOT NULL,
		default_mode TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rows (
		row_id           TEXT PRIMARY KEY,
		run_id           TEXT NOT NULL REFERENCES runs(run_id),
		source_node_id   TEXT NOT NULL,
		row_index        INTEGER NOT NULL,
		source_data_hash TEXT NOT NULL,
		source_data_ref  TEXT,
		created_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id         TEXT PRIMARY KEY,
		row_id           TEXT NOT NULL REFERENCES rows(row_id),
		fork_group_id    TEXT,
		join_group_id    TEXT,
		expand_group_id  TEXT,
		branch_name      TEXT,
		step_in_pipeline INTEGER,
		created_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_parents (
		token_id        TEXT NOT NULL REFERENCES tokens(token_id),
		parent_token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal         INTEGER NOT NULL,
		PRIMARY KEY (token_id, parent_token_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS node_states (
		state_id            TEXT PRIMARY KEY,
		token_id            TEXT NOT NULL REFERENCES tokens(token_id),
		node_id             TEXT NOT NULL,
		step_index          INTEGER NOT NULL,
		attempt             INTEGER NOT NULL,
		status              TEXT NOT NULL,
		input_hash          TEXT NOT NULL,
		started_at          TEXT NOT NULL,
		completed_at        TEXT,
		duration_ms         REAL,
		output_hash         TEXT,
		error_json          TEXT,
		context_before_json TEXT,
		UNIQUE (token_id, node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
		operation_id     TEXT PRIMARY KEY,
		run_id           TEXT NOT NULL REFERENCES runs(run_id),
		node_id          TEXT NOT NULL,
		operation_type   TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		completed_at     TEXT,
		status           TEXT NOT NULL,
		input_data_ref   TEXT,
		input_data_hash  TEXT,
		output_data_ref  TEXT,
		output_data_hash TEXT,
		error_message    TEXT,
		duration_ms      REAL
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id       TEXT PRIMARY KEY,
		state_id      TEXT REFERENCES node_states(state_id),
		operation_id  TEXT REFERENCES operations(operation_id),
		call_index    INTEGER NOT NULL,
		call_type     TEXT NOT NULL,
		status        TEXT NOT NULL,
		request_hash  TEXT NOT NULL,
		request_ref   TEXT,
		response_hash TEXT,
		response_ref  TEXT,
		error_json    TEXT,
		latency_ms    REAL,
		created_at    TEXT NOT NULL,
		UNIQUE (state_id, call_index),
		UNIQUE (operation_id, call_index)
	)`,
	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id         TEXT PRIMARY KEY,
		state_id         TEXT NOT NULL REFERENCES node_states(state_id),
		edge_id          TEXT NOT NULL REFERENCES edges(edge_id),
		routing_group_id TEXT NOT NULL,
		ordinal          INTEGER NOT NULL,
		mode             TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		reason_hash      TEXT,
		reason_ref       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id   TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(run_id),
		node_id    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_members (
		batch_id TEXT NOT NULL REFERENCES batches(batch_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal  INTEGER NOT NULL,
		PRIMARY KEY (batch_id, token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outputs (
		batch_id    TEXT NOT NULL REFERENCES batches(batch_id),
		output_hash TEXT NOT NULL,
		ordinal     INTEGER NOT NULL,
		PRIMARY KEY (batch_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS token_outcomes (
		outcome_id             TEXT PRIMARY KEY,
		run_id                 TEXT NOT NULL REFERENCES runs(run_id),
		token_id               TEXT NOT NULL REFERENCES tokens(token_id),
		outcome                TEXT NOT NULL,
		is_terminal            INTEGER NOT NULL,
		recorded_at            TEXT NOT NULL,
		sink_name              TEXT,
		batch_id               TEXT,
		fork_group_id          TEXT,
		join_group_id          TEXT,
		expand_group_id        TEXT,
		error_hash             TEXT,
		context_json           TEXT,
		expected_branches_json TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS token_outcomes_one_terminal
		ON token_outcomes (token_id) WHERE is_terminal = 1`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id          TEXT PRIMARY KEY,
		run_id               TEXT NOT NULL REFERENCES runs(run_id),
		produced_by_state_id TEXT NOT NULL,
		sink_node_id         TEXT NOT NULL,
		artifact_type        TEXT NOT NULL,
		path_or_uri          TEXT NOT NULL,
		content_hash         TEXT NOT NULL,
		size_bytes           INTEGER NOT NULL,
		created_at           TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_errors (
		error_id              TEXT PRIMARY KEY,
		run_id                TEXT NOT NULL REFERENCES runs(run_id),
		node_id               TEXT,
		row_data_json         TEXT NOT NULL,
		error                 TEXT NOT NULL,
		schema_mode           TEXT NOT NULL,
		destination           TEXT NOT NULL,
		violation_type        TEXT,
		normalized_field_name TEXT,
		original_field_name   TEXT,
		expected_type         TEXT,
		actual_type           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id               TEXT PRIMARY KEY,
		run_id                      TEXT NOT NULL REFERENCES runs(run_id),
		token_id                    TEXT NOT NULL,
		node_id                     TEXT NOT NULL,
		sequence_number             INTEGER NOT NULL,
		aggregation_state_json      TEXT,
		upstream_topology_hash      TEXT NOT NULL,
		checkpoint_node_config_hash TEXT NOT NULL,
		created_at                  TEXT NOT NULL,
		format_version              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rows_by_run ON rows (run_id, row_index)`,
	`CREATE INDEX IF NOT EXISTS tokens_by_row ON tokens (row_id)`,
	`CREATE INDEX IF NOT EXISTS states_by_token ON node_states (token_id)`,
	`CREATE INDEX IF NOT EXISTS outcomes_by_run ON token_outcomes (run_id)`,
	`CREATE INDEX IF NOT EXISTS checkpoints_by_run ON checkpoints (run_id, sequence_number)`,
}
