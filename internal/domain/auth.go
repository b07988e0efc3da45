package domain

import "time"

// Role is an operator's authorization level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// User is an operator account.
type User struct {
	ID               string
	Username         string // unique, case-insensitive
	PasswordVerifier string // opaque bcrypt hash
	Email            string
	Role             Role
	Enabled          bool
	FailedAttempts   int
	LockoutUntil     time.Time // zero means not locked out
	LastLogin        time.Time
	CreatedAt        time.Time
}

// Session is an issued, revocable bearer credential.
type Session struct {
	Token               string // opaque, high-entropy
	UserID              string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	RefreshAllowedUntil time.Time
	Revoked             bool
}

// AuditEvent is an immutable record of an auth, config, or policy-affecting
// action.
type AuditEvent struct {
	ID      string
	At      time.Time
	Actor   string
	Action  string
	Target  string
	Success bool
	Details string
}
