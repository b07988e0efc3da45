package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ─── Device Repository ───────────────────────────────────────────────────────

func (d *DB) UpsertDevice(ctx context.Context, dev domain.Device) error {
	var resHost, resName string
	var resVlan int
	hasRes := dev.Reservation != nil
	if hasRes {
		resHost = dev.Reservation.HostID
		resName = dev.Reservation.DesiredHostname
		resVlan = dev.Reservation.VlanID
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO devices (mac, ip, hostname, vlan_id, first_seen, last_seen,
			reservation_host, reservation_name, reservation_vlan, has_reservation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mac) DO UPDATE SET
			ip=excluded.ip, hostname=excluded.hostname, vlan_id=excluded.vlan_id,
			last_seen=excluded.last_seen, reservation_host=excluded.reservation_host,
			reservation_name=excluded.reservation_name, reservation_vlan=excluded.reservation_vlan,
			has_reservation=excluded.has_reservation`,
		dev.MAC, dev.IP, dev.Hostname, dev.VlanID, dev.FirstSeen.Unix(), dev.LastSeen.Unix(),
		resHost, resName, resVlan, hasRes,
	)
	return err
}

func (d *DB) GetDevice(ctx context.Context, mac string) (*domain.Device, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT mac, ip, hostname, vlan_id, first_seen, last_seen,
			reservation_host, reservation_name, reservation_vlan, has_reservation
		 FROM devices WHERE mac = ?`, mac,
	)
	return scanDevice(row)
}

func (d *DB) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT mac, ip, hostname, vlan_id, first_seen, last_seen,
			reservation_host, reservation_name, reservation_vlan, has_reservation
		 FROM devices ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

func scanDevice(s scanner) (*domain.Device, error) {
	var dev domain.Device
	var firstSeen, lastSeen int64
	var resHost, resName string
	var resVlan int
	var hasRes bool

	err := s.Scan(&dev.MAC, &dev.IP, &dev.Hostname, &dev.VlanID, &firstSeen, &lastSeen,
		&resHost, &resName, &resVlan, &hasRes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	dev.FirstSeen = time.Unix(firstSeen, 0)
	dev.LastSeen = time.Unix(lastSeen, 0)
	if hasRes {
		dev.Reservation = &domain.Reservation{HostID: resHost, DesiredHostname: resName, VlanID: resVlan}
	}
	return &dev, nil
}

// ─── Lease Records ───────────────────────────────────────────────────────────

func (d *DB) InsertLease(ctx context.Context, l domain.LeaseRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO lease_records (mac, ip, hostname, lease_expiry, source_file, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.MAC, l.IP, l.Hostname, l.LeaseExpiry.Unix(), l.SourceFile, l.ObservedAt.Unix(),
	)
	return err
}

// ─── Usage Sessions ──────────────────────────────────────────────────────────

func (d *DB) OpenSession(ctx context.Context, s domain.UsageSession) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO usage_sessions (id, vlan_id, mac, ip, hostname, app_category, started_at, seconds_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.VlanID, s.MAC, s.IP, s.Hostname, s.AppCategory, s.StartedAt.Unix(), s.SecondsUsed,
	)
	return err
}

func (d *DB) CloseSession(ctx context.Context, id string, endedAt int64, secondsUsed int64) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE usage_sessions SET ended_at = ?, seconds_used = ? WHERE id = ?`,
		endedAt, secondsUsed, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (d *DB) ExtendSession(ctx context.Context, id string, secondsUsed int64) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE usage_sessions SET seconds_used = ? WHERE id = ? AND ended_at IS NULL`,
		secondsUsed, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetSessionCategory assigns app_category to an open or closed session.
func (d *DB) SetSessionCategory(ctx context.Context, id, category string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE usage_sessions SET app_category = ? WHERE id = ?`, category, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (d *DB) OpenSessionForMAC(ctx context.Context, mac string) (*domain.UsageSession, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, vlan_id, mac, ip, hostname, app_category, started_at, ended_at, seconds_used
		 FROM usage_sessions WHERE mac = ? AND ended_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, mac,
	)
	return scanSession(row)
}

func (d *DB) SessionHistory(ctx context.Context, mac string, limit int) ([]domain.UsageSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, vlan_id, mac, ip, hostname, app_category, started_at, ended_at, seconds_used
		 FROM usage_sessions WHERE mac = ? ORDER BY started_at DESC LIMIT ?`, mac, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.UsageSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(s scanner) (*domain.UsageSession, error) {
	var sess domain.UsageSession
	var startedAt int64
	var endedAt sql.NullInt64

	err := s.Scan(&sess.ID, &sess.VlanID, &sess.MAC, &sess.IP, &sess.Hostname, &sess.AppCategory,
		&startedAt, &endedAt, &sess.SecondsUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage session: %w", err)
	}
	sess.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		sess.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	return &sess, nil
}

// ─── Classification Rules ────────────────────────────────────────────────────

func (d *DB) ListAppPatterns(ctx context.Context) ([]domain.AppPattern, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, pattern, category FROM app_patterns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []domain.AppPattern
	for rows.Next() {
		var p domain.AppPattern
		if err := rows.Scan(&p.ID, &p.Pattern, &p.Category); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func (d *DB) ListDnsWhitelist(ctx context.Context) ([]domain.DnsWhitelist, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, pattern FROM dns_whitelist ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.DnsWhitelist
	for rows.Next() {
		var w domain.DnsWhitelist
		if err := rows.Scan(&w.ID, &w.Pattern); err != nil {
			return nil, err
		}
		entries = append(entries, w)
	}
	return entries, rows.Err()
}

// ReplaceClassificationRules swaps the full app_pattern/dns_whitelist rule
// set in one transaction. Called by the daemon at startup to sync the
// classification-rules file into the configuration tier; insertion order
// fixes the stable pattern-id match order.
func (d *DB) ReplaceClassificationRules(ctx context.Context, patterns []domain.AppPattern, whitelist []domain.DnsWhitelist) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM app_patterns`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dns_whitelist`); err != nil {
			return err
		}
		for _, p := range patterns {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO app_patterns (pattern, category) VALUES (?, ?)`,
				p.Pattern, p.Category); err != nil {
				return err
			}
		}
		for _, w := range whitelist {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dns_whitelist (pattern) VALUES (?)`,
				w.Pattern); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── VLAN Thresholds ─────────────────────────────────────────────────────────

func (d *DB) GetVlanThreshold(ctx context.Context, vlanID int) (*domain.VlanThreshold, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT vlan_id, threshold_kbps, time_window_secs, session_limit_secs
		 FROM vlan_thresholds WHERE vlan_id = ?`, vlanID,
	)
	return scanVlanThreshold(row)
}

func (d *DB) ListVlanThresholds(ctx context.Context) ([]domain.VlanThreshold, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT vlan_id, threshold_kbps, time_window_secs, session_limit_secs
		 FROM vlan_thresholds ORDER BY vlan_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var thresholds []domain.VlanThreshold
	for rows.Next() {
		t, err := scanVlanThreshold(rows)
		if err != nil {
			return nil, err
		}
		thresholds = append(thresholds, *t)
	}
	return thresholds, rows.Err()
}

// SetVlanThreshold upserts a VlanThreshold and writes a before/after audit
// row.
func (d *DB) SetVlanThreshold(ctx context.Context, actor string, t domain.VlanThreshold) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		before, err := scanVlanThreshold(tx.QueryRowContext(ctx,
			`SELECT vlan_id, threshold_kbps, time_window_secs, session_limit_secs
			 FROM vlan_thresholds WHERE vlan_id = ?`, t.VlanID))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vlan_thresholds (vlan_id, threshold_kbps, time_window_secs, session_limit_secs)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(vlan_id) DO UPDATE SET
				threshold_kbps=excluded.threshold_kbps, time_window_secs=excluded.time_window_secs,
				session_limit_secs=excluded.session_limit_secs`,
			t.VlanID, t.ThresholdKbps, t.TimeWindowSecs, t.SessionLimitSecs,
		); err != nil {
			return err
		}

		beforeJSON, afterJSON := "null", "null"
		if before != nil {
			b, _ := json.Marshal(before)
			beforeJSON = string(b)
		}
		a, _ := json.Marshal(t)
		afterJSON = string(a)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO vlan_thresholds_audit (at, actor, vlan_id, before, after) VALUES (?, ?, ?, ?, ?)`,
			time.Now().Unix(), actor, t.VlanID, beforeJSON, afterJSON,
		)
		return err
	})
}

func scanVlanThreshold(s scanner) (*domain.VlanThreshold, error) {
	var t domain.VlanThreshold
	err := s.Scan(&t.VlanID, &t.ThresholdKbps, &t.TimeWindowSecs, &t.SessionLimitSecs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan vlan threshold: %w", err)
	}
	return &t, nil
}
