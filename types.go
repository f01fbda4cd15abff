package authcore

import (
	"context"

	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/mfa"
	"github.com/halcyonsec/authcore/risk"
)

// UserRecord is the host-owned account projection the engine consumes.
// Password hashes are opaque to the engine and interpreted only by the
// configured PasswordVerifier.
type UserRecord struct {
	ID           string
	CompanyID    string
	Email        string
	Role         string
	PasswordHash string
	Active       bool
}

// UserStore is the host's account lookup. Implementations must return
// ErrUserNotFound (or any error wrapping it) for unknown users.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
}

// PasswordVerifier checks a candidate password against a stored hash.
type PasswordVerifier interface {
	Verify(password, encodedHash string) (bool, error)
}

// PermissionSource resolves role names to permission strings. It is
// consulted only to decorate results; authorization decisions stay with the
// host.
type PermissionSource interface {
	RolePermissions(ctx context.Context, role string) ([]string, error)
}

// AuditEvent re-exports the audit event model.
type AuditEvent = audit.Event

// AuditSink re-exports the audit sink interface.
type AuditSink = audit.Sink

// AuditSeverity re-exports the audit severity enum.
type AuditSeverity = audit.Severity

// TokenPair is the credential set returned by a completed login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
}

// LoginRequest carries the primary-factor credentials. RememberMe selects
// the long refresh lifetime; otherwise the session is browser-scoped.
type LoginRequest struct {
	Email      string
	Password   string
	RememberMe bool
}

// LoginResult is the outcome of a login attempt. When MFARequired is set the
// token fields are empty and PreAuthToken must be exchanged via
// ConfirmLogin.
type LoginResult struct {
	Tokens       *TokenPair
	MFARequired  bool
	PreAuthToken string
	Risk         *risk.Assessment
}

// AuthResult is the outcome of access-token validation.
type AuthResult struct {
	UserID      string
	CompanyID   string
	Role        string
	SessionID   string
	Permissions []string
}

// SessionInfo is the read-only directory projection of one session.
type SessionInfo struct {
	SessionID  string
	DeviceID   string
	IP         string
	UserAgent  string
	CreatedAt  int64
	LastSeenAt int64
	ExpiresAt  int64
	Remember   bool
}

// MFAProvision re-exports the one-time MFA setup material.
type MFAProvision = mfa.Provision

// MFAStatus re-exports the read-only enrollment snapshot.
type MFAStatus = mfa.Status
