package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ─── User Repository ─────────────────────────────────────────────────────────

func (d *DB) CreateUser(ctx context.Context, u domain.User) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, username, username_lower, password_verifier, email, role,
			enabled, failed_attempts, lockout_until, last_login, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, strings.ToLower(u.Username), u.PasswordVerifier, u.Email, string(u.Role),
		u.Enabled, u.FailedAttempts, nullableTime(u.LockoutUntil), nullableTime(u.LastLogin), u.CreatedAt.Unix(),
	)
	if err != nil && isUniqueConstraint(err) {
		return domain.ErrUsernameTaken
	}
	return err
}

func (d *DB) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, username, password_verifier, email, role, enabled, failed_attempts,
			lockout_until, last_login, created_at
		 FROM users WHERE username_lower = ?`, strings.ToLower(username),
	)
	return scanUser(row)
}

func (d *DB) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, username, password_verifier, email, role, enabled, failed_attempts,
			lockout_until, last_login, created_at
		 FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

func (d *DB) UpdateUser(ctx context.Context, u domain.User) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET username=?, username_lower=?, password_verifier=?, email=?, role=?,
			enabled=?, failed_attempts=?, lockout_until=?, last_login=?
		 WHERE id = ?`,
		u.Username, strings.ToLower(u.Username), u.PasswordVerifier, u.Email, string(u.Role),
		u.Enabled, u.FailedAttempts, nullableTime(u.LockoutUntil), nullableTime(u.LastLogin), u.ID,
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

func scanUser(s scanner) (*domain.User, error) {
	var u domain.User
	var role string
	var lockoutUntil, lastLogin sql.NullInt64
	var createdAt int64

	err := s.Scan(&u.ID, &u.Username, &u.PasswordVerifier, &u.Email, &role, &u.Enabled,
		&u.FailedAttempts, &lockoutUntil, &lastLogin, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = domain.Role(role)
	if lockoutUntil.Valid {
		u.LockoutUntil = time.Unix(lockoutUntil.Int64, 0)
	}
	if lastLogin.Valid {
		u.LastLogin = time.Unix(lastLogin.Int64, 0)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// ─── Session Repository ──────────────────────────────────────────────────────

func (d *DB) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, issued_at, expires_at, refresh_allowed_until, revoked)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.Token, s.UserID, s.IssuedAt.Unix(), s.ExpiresAt.Unix(), s.RefreshAllowedUntil.Unix(), s.Revoked,
	)
	return err
}

func (d *DB) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT token, user_id, issued_at, expires_at, refresh_allowed_until, revoked
		 FROM sessions WHERE token = ?`, token,
	)
	return scanSessionRow(row)
}

func (d *DB) TouchSession(ctx context.Context, token string, expiresAt int64) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE token = ? AND revoked = 0`, expiresAt, token)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrUnknownSession
	}
	return nil
}

func (d *DB) RevokeSession(ctx context.Context, token string) error {
	result, err := d.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrUnknownSession
	}
	return nil
}

func scanSessionRow(s scanner) (*domain.Session, error) {
	var sess domain.Session
	var issuedAt, expiresAt, refreshUntil int64

	err := s.Scan(&sess.Token, &sess.UserID, &issuedAt, &expiresAt, &refreshUntil, &sess.Revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.IssuedAt = time.Unix(issuedAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.RefreshAllowedUntil = time.Unix(refreshUntil, 0)
	return &sess, nil
}

func nullableTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
