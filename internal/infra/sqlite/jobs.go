package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ─── Job Repository ─────────────────────────────────────────────────────────

func (d *DB) InsertJob(ctx context.Context, j domain.Job) error {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return fmt.Errorf("marshal job args: %w", err)
	}
	kwargs, err := json.Marshal(j.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal job kwargs: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, target, schedule, priority, max_retries, retry_delay_s,
			timeout_s, dependencies, enabled, args, kwargs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Target, j.Schedule, int(j.Priority), j.MaxRetries, j.RetryDelayS,
		j.TimeoutS, strings.Join(j.Dependencies, ","), j.Enabled, string(args), string(kwargs),
		j.CreatedAt.Unix(), j.UpdatedAt.Unix(),
	)
	return err
}

func (d *DB) UpdateJob(ctx context.Context, j domain.Job) error {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return fmt.Errorf("marshal job args: %w", err)
	}
	kwargs, err := json.Marshal(j.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal job kwargs: %w", err)
	}
	result, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET name=?, target=?, schedule=?, priority=?, max_retries=?, retry_delay_s=?,
			timeout_s=?, dependencies=?, enabled=?, args=?, kwargs=?, updated_at=?
		 WHERE id = ?`,
		j.Name, j.Target, j.Schedule, int(j.Priority), j.MaxRetries, j.RetryDelayS,
		j.TimeoutS, strings.Join(j.Dependencies, ","), j.Enabled, string(args), string(kwargs),
		j.UpdatedAt.Unix(), j.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrUnknownJob
	}
	return nil
}

func (d *DB) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, name, target, schedule, priority, max_retries, retry_delay_s, timeout_s,
			dependencies, enabled, args, kwargs, created_at, updated_at
		 FROM jobs WHERE id = ?`, id,
	)
	return scanJob(row)
}

func (d *DB) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, target, schedule, priority, max_retries, retry_delay_s, timeout_s,
			dependencies, enabled, args, kwargs, created_at, updated_at
		 FROM jobs ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (d *DB) DeleteJob(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrUnknownJob
	}
	return nil
}

func scanJob(s scanner) (*domain.Job, error) {
	var j domain.Job
	var priority int
	var deps, args, kwargs string
	var createdAt, updatedAt int64

	err := s.Scan(&j.ID, &j.Name, &j.Target, &j.Schedule, &priority, &j.MaxRetries,
		&j.RetryDelayS, &j.TimeoutS, &deps, &j.Enabled, &args, &kwargs, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Priority = domain.Priority(priority)
	if deps != "" {
		j.Dependencies = strings.Split(deps, ",")
	}
	if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
		return nil, fmt.Errorf("unmarshal job args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &j.Kwargs); err != nil {
		return nil, fmt.Errorf("unmarshal job kwargs: %w", err)
	}
	j.CreatedAt = time.Unix(createdAt, 0)
	j.UpdatedAt = time.Unix(updatedAt, 0)
	return &j, nil
}

// ─── JobRun Repository ───────────────────────────────────────────────────────

// InsertRun upserts the full JobRun record. It is always preceded by a call
// to TryStartRun, which reserves the run_id with a minimal placeholder row;
// InsertRun fills in the caller's full fields (trigger, retry_count, ...) by
// updating that same row rather than re-inserting it, so the two compose
// without a primary-key conflict.
func (d *DB) InsertRun(ctx context.Context, r domain.JobRun) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO job_runs (run_id, job_id, status, started_at, ended_at, retry_count, error, output, trigger)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status=excluded.status, started_at=excluded.started_at, ended_at=excluded.ended_at,
			retry_count=excluded.retry_count, error=excluded.error, output=excluded.output,
			trigger=excluded.trigger`,
		r.RunID, r.JobID, string(r.Status), r.StartedAt.Unix(), nullableEndedAt(r.EndedAt),
		r.RetryCount, r.Error, domain.TruncateOutput(r.Output), string(r.Trigger),
	)
	return err
}

// TryStartRun atomically transitions a run to RUNNING only if no other run
// for the same job is currently RUNNING. The uniqueness is enforced by the
// partial unique index idx_job_runs_one_running at the storage layer: a
// concurrent INSERT for an already-RUNNING job_id violates that constraint
// and is reported here as ok=false, never as an application-level lock.
func (d *DB) TryStartRun(ctx context.Context, jobID, runID string, startedAt int64) (bool, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO job_runs (run_id, job_id, status, started_at, retry_count, error, output, trigger)
		 VALUES (?, ?, 'RUNNING', ?, 0, '', '', 'schedule')`,
		runID, jobID, startedAt,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DB) UpdateRun(ctx context.Context, r domain.JobRun) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE job_runs SET status=?, ended_at=?, retry_count=?, error=?, output=?
		 WHERE run_id = ?`,
		string(r.Status), nullableEndedAt(r.EndedAt), r.RetryCount, r.Error,
		domain.TruncateOutput(r.Output), r.RunID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update run %q: %w", r.RunID, domain.ErrNotFound)
	}
	return nil
}

func (d *DB) GetRun(ctx context.Context, runID string) (*domain.JobRun, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT run_id, job_id, status, started_at, ended_at, retry_count, error, output, trigger
		 FROM job_runs WHERE run_id = ?`, runID,
	)
	return scanRun(row)
}

func (d *DB) HasRunningRun(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE job_id = ? AND status = 'RUNNING'`, jobID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *DB) History(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if jobID == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT run_id, job_id, status, started_at, ended_at, retry_count, error, output, trigger
			 FROM job_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT run_id, job_id, status, started_at, ended_at, retry_count, error, output, trigger
			 FROM job_runs WHERE job_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?`, jobID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (d *DB) LatestCompletedSince(ctx context.Context, jobID string, since int64) (*domain.JobRun, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT run_id, job_id, status, started_at, ended_at, retry_count, error, output, trigger
		 FROM job_runs WHERE job_id = ? AND status = 'COMPLETED' AND ended_at >= ?
		 ORDER BY ended_at DESC LIMIT 1`, jobID, since,
	)
	return scanRun(row)
}

// PruneRunsBefore deletes terminal runs older than the cutoff. Used by the
// history-retention job; RUNNING rows are never pruned.
func (d *DB) PruneRunsBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE started_at < ? AND status != 'RUNNING'`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRun(s scanner) (*domain.JobRun, error) {
	var r domain.JobRun
	var status, trigger string
	var startedAt int64
	var endedAt sql.NullInt64

	err := s.Scan(&r.RunID, &r.JobID, &status, &startedAt, &endedAt, &r.RetryCount, &r.Error, &r.Output, &trigger)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job run: %w", err)
	}
	r.Status = domain.JobRunStatus(status)
	r.Trigger = domain.Trigger(trigger)
	r.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		r.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	return &r, nil
}

func nullableEndedAt(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// isUniqueConstraint reports whether err came from violating a UNIQUE index,
// the signal TryStartRun uses to detect an already-RUNNING job.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
