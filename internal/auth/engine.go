// Package auth implements credential verification, session lifecycle,
// lockout, and token issuance consumed by the CLI and web surfaces.
package auth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/metrics"
	"github.com/lnmt-project/lnmt/internal/security"
)

// Config tunes session lifetime and the lockout policy.
type Config struct {
	SessionIdle      time.Duration // token lifetime with remember_me=false
	SessionRemember  time.Duration // token lifetime with remember_me=true
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
}

// DefaultConfig returns the documented defaults: 30m idle, 24h remembered,
// lockout after 5 failures within 15 minutes for 15 minutes.
func DefaultConfig() Config {
	return Config{
		SessionIdle:      30 * time.Minute,
		SessionRemember:  24 * time.Hour,
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		LockoutDuration:  15 * time.Minute,
	}
}

// Engine verifies credentials and manages sessions. The rolling failure
// window is tracked in memory per username; the persisted failed_attempts
// counter and lockout_until survive restarts.
type Engine struct {
	repo  domain.AuthRepository
	audit domain.AuditRepository
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time // username_lower -> failure instants within window
}

// NewEngine creates an auth engine bound to a user/session repository and
// the audit trail.
func NewEngine(repo domain.AuthRepository, audit domain.AuditRepository, cfg Config) *Engine {
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 30 * time.Minute
	}
	if cfg.SessionRemember <= 0 {
		cfg.SessionRemember = 24 * time.Hour
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &Engine{
		repo:     repo,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

// SetClock overrides the engine's clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Login verifies a username/password pair and issues a session token.
// Returns ErrLockedOut during an active lockout, ErrUserDisabled for
// disabled accounts, and ErrInvalidCredentials otherwise. Every decision
// writes one audit row; the password never appears in it.
func (e *Engine) Login(ctx context.Context, username, password string, rememberMe bool) (*domain.Session, *domain.User, error) {
	key := strings.ToLower(username)

	u, err := e.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		// Burn a hash comparison so unknown usernames cost the same as
		// wrong passwords.
		security.VerifyPassword("$2a$10$0000000000000000000000000000000000000000000000000000.", password)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		e.record(ctx, username, "login", "", false, "unknown user")
		return nil, nil, domain.ErrInvalidCredentials
	}

	now := e.now()
	if !u.LockoutUntil.IsZero() && now.Before(u.LockoutUntil) {
		// Attempts during lockout do not extend it and do not count.
		metrics.LoginAttempts.WithLabelValues("lockout").Inc()
		e.record(ctx, u.Username, "login", u.ID, false, "locked out")
		return nil, nil, domain.ErrLockedOut
	}
	if !u.Enabled {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		e.record(ctx, u.Username, "login", u.ID, false, "account disabled")
		return nil, nil, domain.ErrUserDisabled
	}

	if !security.VerifyPassword(u.PasswordVerifier, password) {
		locked := e.recordFailure(key, now)
		u.FailedAttempts++
		if locked {
			u.LockoutUntil = now.Add(e.cfg.LockoutDuration)
			e.record(ctx, u.Username, "lockout", u.ID, false,
				fmt.Sprintf("%d consecutive failures", e.cfg.LockoutThreshold))
		}
		if err := e.repo.UpdateUser(ctx, *u); err != nil {
			log.Printf("[auth] update user %s: %v", u.Username, err)
		}
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		e.record(ctx, u.Username, "login", u.ID, false, "bad password")
		return nil, nil, domain.ErrInvalidCredentials
	}

	// Success: clear the failure window and counters.
	e.mu.Lock()
	delete(e.failures, key)
	e.mu.Unlock()
	u.FailedAttempts = 0
	u.LockoutUntil = time.Time{}
	u.LastLogin = now
	if err := e.repo.UpdateUser(ctx, *u); err != nil {
		log.Printf("[auth] update user %s: %v", u.Username, err)
	}

	s, err := e.issue(ctx, u.ID, rememberMe)
	if err != nil {
		return nil, nil, err
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	e.record(ctx, u.Username, "login", u.ID, true, "")
	return s, u, nil
}

// recordFailure appends a failure instant to the rolling window and reports
// whether the lockout threshold has been reached.
func (e *Engine) recordFailure(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.cfg.LockoutWindow)
	kept := e.failures[key][:0]
	for _, t := range e.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.failures[key] = kept
	return len(kept) >= e.cfg.LockoutThreshold
}

func (e *Engine) issue(ctx context.Context, userID string, rememberMe bool) (*domain.Session, error) {
	token, err := security.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := e.now()
	lifetime := e.cfg.SessionIdle
	if rememberMe {
		lifetime = e.cfg.SessionRemember
	}
	s := domain.Session{
		Token:               token,
		UserID:              userID,
		IssuedAt:            now,
		ExpiresAt:           now.Add(lifetime),
		RefreshAllowedUntil: now.Add(2 * lifetime),
	}
	if err := e.repo.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &s, nil
}

// Logout revokes a session token. Revocation is synchronous; a subsequent
// Validate returns ErrSessionRevoked.
func (e *Engine) Logout(ctx context.Context, token string) error {
	s, err := e.repo.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.ErrUnknownSession
	}
	if err := e.repo.RevokeSession(ctx, token); err != nil {
		return err
	}
	e.record(ctx, s.UserID, "logout", s.UserID, true, "")
	return nil
}

// Refresh exchanges a token for a fresh one and revokes the old token.
// Tokens are single-use for refresh; a revoked or refresh-expired token is
// rejected.
func (e *Engine) Refresh(ctx context.Context, token string) (*domain.Session, error) {
	s, err := e.repo.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrUnknownSession
	}
	now := e.now()
	if s.Revoked {
		e.record(ctx, s.UserID, "refresh", s.UserID, false, "token revoked")
		return nil, domain.ErrSessionRevoked
	}
	if now.After(s.RefreshAllowedUntil) {
		e.record(ctx, s.UserID, "refresh", s.UserID, false, "refresh window expired")
		return nil, domain.ErrSessionExpired
	}

	if err := e.repo.RevokeSession(ctx, token); err != nil {
		return nil, err
	}
	// Preserve the original lifetime class. ExpiresAt slides on use, so
	// classify by the refresh window, which is fixed at issue time.
	remembered := s.RefreshAllowedUntil.Sub(s.IssuedAt) > 2*e.cfg.SessionIdle
	fresh, err := e.issue(ctx, s.UserID, remembered)
	if err != nil {
		return nil, err
	}
	e.record(ctx, s.UserID, "refresh", s.UserID, true, "")
	return fresh, nil
}

// Validate resolves a token to its user, returning ErrUnknownSession,
// ErrSessionExpired, or ErrSessionRevoked as appropriate. A successful
// validation slides the idle expiry forward.
func (e *Engine) Validate(ctx context.Context, token string) (*domain.User, error) {
	s, err := e.repo.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrUnknownSession
	}
	now := e.now()
	if s.Revoked {
		return nil, domain.ErrSessionRevoked
	}
	if now.After(s.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}

	u, err := e.repo.GetUser(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.Enabled {
		return nil, domain.ErrUnknownSession
	}

	// Sliding idle timeout: each authenticated use pushes expiry forward by
	// the original idle window, never past the refresh deadline. ExpiresAt
	// itself slides, so the original window is recovered from the fixed
	// refresh deadline (set to twice the lifetime at issue).
	idle := s.RefreshAllowedUntil.Sub(s.IssuedAt) / 2
	extended := now.Add(idle)
	if extended.After(s.RefreshAllowedUntil) {
		extended = s.RefreshAllowedUntil
	}
	if extended.After(s.ExpiresAt) {
		if err := e.repo.TouchSession(ctx, token, extended.Unix()); err != nil {
			log.Printf("[auth] touch session: %v", err)
		}
	}
	return u, nil
}

// roleRank orders roles for VerifyRole; higher ranks subsume lower ones.
func roleRank(r domain.Role) int {
	switch r {
	case domain.RoleAdmin:
		return 3
	case domain.RoleOperator:
		return 2
	case domain.RoleViewer:
		return 1
	default:
		return 0
	}
}

// VerifyRole checks that a user's role meets or exceeds the required role.
func (e *Engine) VerifyRole(u *domain.User, required domain.Role) error {
	if u == nil || roleRank(u.Role) < roleRank(required) {
		return domain.ErrForbidden
	}
	return nil
}

// CreateUser registers a new operator account with a hashed verifier. The
// bare password is discarded after hashing.
func (e *Engine) CreateUser(ctx context.Context, username, password, email string, role domain.Role) (*domain.User, error) {
	existing, err := e.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrUsernameTaken
	}
	verifier, err := security.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := domain.User{
		ID:               uuid.NewString(),
		Username:         username,
		PasswordVerifier: verifier,
		Email:            email,
		Role:             role,
		Enabled:          true,
		CreatedAt:        e.now(),
	}
	if err := e.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	e.record(ctx, username, "user_create", u.ID, true, string(role))
	return &u, nil
}

// record writes one audit row. Details never contain passwords or tokens.
func (e *Engine) record(ctx context.Context, actor, action, target string, success bool, details string) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, domain.AuditEvent{
		ID:      uuid.NewString(),
		At:      e.now(),
		Actor:   actor,
		Action:  action,
		Target:  target,
		Success: success,
		Details: details,
	})
	if err != nil {
		log.Printf("[auth] audit %s: %v", action, err)
	}
}
