// Package postgres provides the operational-tier store for LNMT's large,
// append-heavy AuditEvent trail. Selected at daemon startup when a
// Postgres DSN is configured; the daemon falls back to the sqlite
// implementation if this pool fails to open or ping.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// AuditStore is the pgx-backed implementation of domain.AuditRepository.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore opens a connection pool and verifies connectivity, then
// runs the idempotent schema migration for the audit_events table.
func NewAuditStore(ctx context.Context, connString string) (*AuditStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := &AuditStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id      TEXT PRIMARY KEY,
			at      TIMESTAMPTZ NOT NULL,
			actor   TEXT NOT NULL,
			action  TEXT NOT NULL,
			target  TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			details TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at DESC)`)
	return err
}

// Close releases the connection pool.
func (s *AuditStore) Close() { s.pool.Close() }

// Ping verifies the pool is reachable; backs the built-in store-postgres
// health probe registered when the operational tier is configured.
func (s *AuditStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *AuditStore) Record(ctx context.Context, e domain.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, at, actor, action, target, success, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.At, e.Actor, e.Action, e.Target, e.Success, e.Details,
	)
	return err
}

func (s *AuditStore) Recent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, actor, action, target, success, details
		 FROM audit_events ORDER BY at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &e.Target, &e.Success, &e.Details); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
