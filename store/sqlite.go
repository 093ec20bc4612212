// Package store is the SQLite-backed Persistent Store: schema,
// versioned migrations, and the transactional compound operations the
// Ticket Engine depends on. Grounded on the precedent's
// internal/db/sqlite.go (schema_migrations table + ordered migration
// constants) and internal/db/store.go (tx.Begin/defer tx.Rollback commit
// pattern, clearest in its UpdateTicketStatus).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

// DB wraps the underlying *sql.DB with the migration runner, matching the
// precedent's internal/db.DB.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
}

// Open creates the database file's parent directory if needed, opens the
// pure-Go SQLite driver, enables WAL mode and foreign keys, and runs all
// pending migrations.
func Open(dbPath string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under WAL with concurrent
	// Go-level transactions; it serializes reads as well as writes.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{conn: conn, log: log}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

var migrations = []string{
	migration1, // projects, worker_types, tickets
	migration2, // ticket_dependencies, comments
	migration3, // workers, events
	migration4, // config
	migration5, // indexes supporting readiness recomputation and dispatch
	migration6, // audit_log
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := db.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
			version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		db.log.Info("applied schema migration", "version", version)
	}
	return nil
}

const migration1 = `
CREATE TABLE projects (
	repository_name   TEXT PRIMARY KEY,
	path              TEXT NOT NULL,
	description       TEXT,
	rules             TEXT,
	patterns          TEXT,
	rules_version     TEXT,
	patterns_version  TEXT,
	jbct_enabled      INTEGER NOT NULL DEFAULT 0,
	jbct_version      TEXT,
	jbct_url          TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE worker_types (
	project_id        TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
	worker_type       TEXT NOT NULL,
	short_description TEXT,
	system_prompt     TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	PRIMARY KEY (project_id, worker_type)
);

CREATE TABLE tickets (
	ticket_id            TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
	parent_ticket_id     TEXT,
	title                TEXT NOT NULL,
	description          TEXT,
	execution_plan       TEXT NOT NULL,
	current_stage        TEXT NOT NULL,
	state                TEXT NOT NULL CHECK (state IN ('open','closed','on_hold')),
	priority             TEXT NOT NULL CHECK (priority IN ('low','medium','high','urgent')),
	dependency_status    TEXT NOT NULL CHECK (dependency_status IN ('ready','blocked')),
	processing_worker_id TEXT,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	closed_at            TEXT,
	resolution           TEXT
);
`

const migration2 = `
CREATE TABLE ticket_dependencies (
	parent_ticket_id TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	child_ticket_id  TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	PRIMARY KEY (parent_ticket_id, child_ticket_id)
);

CREATE TABLE comments (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id   TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	worker_type TEXT,
	worker_id   TEXT,
	stage_index INTEGER,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

const migration3 = `
CREATE TABLE workers (
	worker_id     TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
	worker_type   TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('spawning','active','idle','finished','failed')),
	pid           INTEGER,
	queue_name    TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	last_activity TEXT NOT NULL
);

CREATE TABLE events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT,
	category   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

const migration4 = `
CREATE TABLE config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const migration5 = `
CREATE INDEX idx_tickets_project_state ON tickets(project_id, state);
CREATE INDEX idx_tickets_dep_status ON tickets(project_id, dependency_status, state);
CREATE INDEX idx_ticket_deps_child ON ticket_dependencies(child_ticket_id);
CREATE INDEX idx_ticket_deps_parent ON ticket_dependencies(parent_ticket_id);
CREATE INDEX idx_comments_ticket ON comments(ticket_id, id);
CREATE INDEX idx_workers_project_type_status ON workers(project_id, worker_type, status);
CREATE INDEX idx_events_project_processed ON events(project_id, processed, id);
`

const migration6 = `
CREATE TABLE audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id  TEXT NOT NULL,
	project_id TEXT,
	event_type TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX idx_audit_log_worker ON audit_log(worker_id, id);
`
