// Package sqlite provides the configuration-tier store for LNMT: Jobs,
// Devices, HealthProbes, Users, and (as a fallback when no Postgres DSN is
// configured) the operational tier too. Uses WAL mode for concurrent reads
// and crash-safe single-writer writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and idempotent migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db, enabling WAL
// mode, foreign keys, and a 5-second busy timeout, then runs migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; serialize everything through one connection
	// rather than racing writers across a pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// OpenMemory opens an in-memory database for tests. Each call gets an
// isolated instance (SQLite's shared-cache mode is not requested).
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity; backs the built-in store-sqlite
// health probe.
func (d *DB) Ping() error { return d.db.Ping() }

// migration prefixes are monotonically increasing integers; each statement
// is idempotent on its target version via IF NOT EXISTS.
func (d *DB) migrate() error {
	migrations := []string{
		// 0001: scheduler
		`CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			target        TEXT NOT NULL,
			schedule      TEXT NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 1,
			max_retries   INTEGER NOT NULL DEFAULT 0,
			retry_delay_s INTEGER NOT NULL DEFAULT 0,
			timeout_s     INTEGER NOT NULL,
			dependencies  TEXT NOT NULL DEFAULT '',
			enabled       BOOLEAN NOT NULL DEFAULT 1,
			args          TEXT NOT NULL DEFAULT '[]',
			kwargs        TEXT NOT NULL DEFAULT '{}',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			run_id      TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			status      TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			output      TEXT NOT NULL DEFAULT '',
			trigger     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job_id, started_at DESC)`,
		// Enforces "exactly one RUNNING run per job_id" as a storage-layer
		// invariant, not an application lock: a second INSERT racing a
		// RUNNING row for the same job_id violates this unique index.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_one_running
			ON job_runs(job_id) WHERE status = 'RUNNING'`,

		// 0002: device tracker
		`CREATE TABLE IF NOT EXISTS devices (
			mac               TEXT PRIMARY KEY,
			ip                TEXT NOT NULL DEFAULT '',
			hostname          TEXT NOT NULL DEFAULT '',
			vlan_id           INTEGER NOT NULL DEFAULT 0,
			first_seen        INTEGER NOT NULL,
			last_seen         INTEGER NOT NULL,
			reservation_host  TEXT NOT NULL DEFAULT '',
			reservation_name  TEXT NOT NULL DEFAULT '',
			reservation_vlan  INTEGER NOT NULL DEFAULT 0,
			has_reservation   BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS lease_records (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			mac          TEXT NOT NULL,
			ip           TEXT NOT NULL,
			hostname     TEXT NOT NULL,
			lease_expiry INTEGER NOT NULL,
			source_file  TEXT NOT NULL,
			observed_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lease_records_mac ON lease_records(mac, observed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS usage_sessions (
			id           TEXT PRIMARY KEY,
			vlan_id      INTEGER NOT NULL,
			mac          TEXT NOT NULL,
			ip           TEXT NOT NULL,
			hostname     TEXT NOT NULL,
			app_category TEXT NOT NULL DEFAULT '',
			started_at   INTEGER NOT NULL,
			ended_at     INTEGER,
			seconds_used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_sessions_mac ON usage_sessions(mac, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS app_patterns (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern  TEXT NOT NULL,
			category TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dns_whitelist (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vlan_thresholds (
			vlan_id            INTEGER PRIMARY KEY,
			threshold_kbps     INTEGER NOT NULL,
			time_window_secs   INTEGER NOT NULL,
			session_limit_secs INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vlan_thresholds_audit (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			actor      TEXT NOT NULL,
			vlan_id    INTEGER NOT NULL,
			before     TEXT NOT NULL,
			after      TEXT NOT NULL
		)`,

		// 0003: health / self-heal
		`CREATE TABLE IF NOT EXISTS health_probes (
			id                TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			target            TEXT NOT NULL,
			interval_s        INTEGER NOT NULL,
			failure_threshold INTEGER NOT NULL,
			recovery_action   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS health_samples (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			probe_id TEXT NOT NULL,
			at       INTEGER NOT NULL,
			status   TEXT NOT NULL,
			detail   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_samples_probe ON health_samples(probe_id, at DESC)`,
		`CREATE TABLE IF NOT EXISTS self_heal_log (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			at       INTEGER NOT NULL,
			module   TEXT NOT NULL,
			action   TEXT NOT NULL,
			status   TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error    TEXT NOT NULL DEFAULT '',
			notified BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_self_heal_log_module ON self_heal_log(module, at DESC)`,

		// 0004: auth / session
		`CREATE TABLE IF NOT EXISTS users (
			id                TEXT PRIMARY KEY,
			username          TEXT NOT NULL UNIQUE,
			username_lower    TEXT NOT NULL UNIQUE,
			password_verifier TEXT NOT NULL,
			email             TEXT NOT NULL DEFAULT '',
			role              TEXT NOT NULL,
			enabled           BOOLEAN NOT NULL DEFAULT 1,
			failed_attempts   INTEGER NOT NULL DEFAULT 0,
			lockout_until     INTEGER,
			last_login        INTEGER,
			created_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token                 TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			issued_at             INTEGER NOT NULL,
			expires_at            INTEGER NOT NULL,
			refresh_allowed_until INTEGER NOT NULL,
			revoked               BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,

		// 0005: shared audit trail (operational tier, sqlite fallback)
		`CREATE TABLE IF NOT EXISTS audit_events (
			id      TEXT PRIMARY KEY,
			at      INTEGER NOT NULL,
			actor   TEXT NOT NULL,
			action  TEXT NOT NULL,
			target  TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			details TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at DESC)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
