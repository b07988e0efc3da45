package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lnmt-project/lnmt/internal/domain"
)

// ─── Audit Repository ────────────────────────────────────────────────────────
//
// This is the sqlite fallback implementation of the operational tier's
// AuditEvent trail. When a Postgres DSN is configured, the daemon wires
// the pgx-backed implementation instead; sqlite is used whenever Postgres
// is absent or fails to open.

func (d *DB) Record(ctx context.Context, e domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, actor, action, target, success, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.Unix(), e.Actor, e.Action, e.Target, e.Success, e.Details,
	)
	return err
}

func (d *DB) Recent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, at, actor, action, target, success, details
		 FROM audit_events ORDER BY at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanAuditEvent(s scanner) (*domain.AuditEvent, error) {
	var e domain.AuditEvent
	var at int64
	err := s.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.Target, &e.Success, &e.Details)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	e.At = time.Unix(at, 0)
	return &e, nil
}
