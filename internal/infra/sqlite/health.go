package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ─── Health Probe Repository ─────────────────────────────────────────────────

func (d *DB) ListProbes(ctx context.Context) ([]domain.HealthProbe, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, kind, target, interval_s, failure_threshold, recovery_action
		 FROM health_probes ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes []domain.HealthProbe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		probes = append(probes, *p)
	}
	return probes, rows.Err()
}

func (d *DB) GetProbe(ctx context.Context, id string) (*domain.HealthProbe, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, kind, target, interval_s, failure_threshold, recovery_action
		 FROM health_probes WHERE id = ?`, id,
	)
	return scanProbe(row)
}

// InsertProbe registers or updates a HealthProbe configuration. Not part
// of the read/observe-only domain.HealthRepository contract; called by the
// daemon at startup to sync the probes-definitions file and the built-in
// store probes into the configuration tier.
func (d *DB) InsertProbe(ctx context.Context, p domain.HealthProbe) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO health_probes (id, kind, target, interval_s, failure_threshold, recovery_action)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, target=excluded.target, interval_s=excluded.interval_s,
			failure_threshold=excluded.failure_threshold, recovery_action=excluded.recovery_action`,
		p.ID, string(p.Kind), p.Target, p.IntervalS, p.FailureThreshold, p.RecoveryAction,
	)
	return err
}

func scanProbe(s scanner) (*domain.HealthProbe, error) {
	var p domain.HealthProbe
	var kind string
	err := s.Scan(&p.ID, &kind, &p.Target, &p.IntervalS, &p.FailureThreshold, &p.RecoveryAction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan health probe: %w", err)
	}
	p.Kind = domain.ProbeKind(kind)
	return &p, nil
}

// ─── Health Samples ──────────────────────────────────────────────────────────

func (d *DB) RecordSample(ctx context.Context, s domain.HealthSample) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO health_samples (probe_id, at, status, detail) VALUES (?, ?, ?, ?)`,
		s.ProbeID, s.At.Unix(), string(s.Status), s.Detail,
	)
	return err
}

func (d *DB) RecentSamples(ctx context.Context, probeID string, limit int) ([]domain.HealthSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT probe_id, at, status, detail FROM health_samples
		 WHERE probe_id = ? ORDER BY at DESC LIMIT ?`, probeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.HealthSample
	for rows.Next() {
		var s domain.HealthSample
		var at int64
		var status string
		if err := rows.Scan(&s.ProbeID, &at, &status, &s.Detail); err != nil {
			return nil, err
		}
		s.At = time.Unix(at, 0)
		s.Status = domain.SampleStatus(status)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ConsecutiveFailures counts the trailing run of `fail` samples for a probe,
// most recent first, stopping at the first non-fail sample. This backs the
// failure_threshold breach check.
func (d *DB) ConsecutiveFailures(ctx context.Context, probeID string) (int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status FROM health_samples WHERE probe_id = ? ORDER BY at DESC, id DESC`, probeID,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if domain.SampleStatus(status) != domain.SampleFail {
			break
		}
		count++
	}
	return count, rows.Err()
}

// ─── Self-Heal Log ───────────────────────────────────────────────────────────

func (d *DB) RecordSelfHeal(ctx context.Context, l domain.SelfHealLog) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO self_heal_log (at, module, action, status, attempts, error, notified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.At.Unix(), l.Module, l.Action, string(l.Status), l.Attempts, l.Error, l.Notified,
	)
	return err
}

func (d *DB) SelfHealAttemptsSince(ctx context.Context, probeID string, since int64) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM self_heal_log WHERE module = ? AND at >= ?`, probeID, since,
	).Scan(&count)
	return count, err
}
