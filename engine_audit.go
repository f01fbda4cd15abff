package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonsec/authcore/internal/audit"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLoginLockedOut         = "login_locked_out"
	auditEventLockoutTriggered       = "lockout_triggered"
	auditEventLoginBlocked           = "login_blocked"
	auditEventMFAChallengeIssued     = "mfa_challenge_issued"
	auditEventMFAChallengeSuccess    = "mfa_challenge_success"
	auditEventMFAChallengeFailure    = "mfa_challenge_failure"
	auditEventMFAAttemptsExceeded    = "mfa_attempts_exceeded"
	auditEventMFAEnrollmentRequired  = "mfa_enrollment_required"
	auditEventMFASetupStarted        = "mfa_setup_started"
	auditEventMFAEnabled             = "mfa_enabled"
	auditEventMFADisabled            = "mfa_disabled"
	auditEventBackupCodeUsed         = "backup_code_used"
	auditEventBackupCodesRegenerated = "backup_codes_regenerated"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshFailure         = "refresh_failure"
	auditEventReplayDetected         = "refresh_replay_detected"
	auditEventSessionRevoked         = "session_revoked"
	auditEventRevokeAll              = "sessions_revoked_all"
	auditEventValidateDenied         = "access_validation_denied"
)

// AuditErrorCode is the machine-readable error label attached to events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountInactive    AuditErrorCode = "account_inactive"
	auditErrSecurityViolation  AuditErrorCode = "security_violation"
	auditErrMFARequired        AuditErrorCode = "mfa_required"
	auditErrMFAInvalid         AuditErrorCode = "mfa_invalid"
	auditErrMFANotEnabled      AuditErrorCode = "mfa_not_enabled"
	auditErrMFAExceeded        AuditErrorCode = "mfa_attempts_exceeded"
	auditErrReplay             AuditErrorCode = "replay_detected"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrTokenRevoked       AuditErrorCode = "token_revoked"
	auditErrTokenInvalid       AuditErrorCode = "token_invalid"
	auditErrNotFound           AuditErrorCode = "not_found"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	severity audit.Severity,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrSecurityViolation):
		return auditErrSecurityViolation
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case errors.Is(err, ErrInvalidMFACode),
		errors.Is(err, ErrMFAChallengeExpired):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFANotEnrolled):
		return auditErrMFANotEnabled
	case errors.Is(err, ErrMFAAttemptsExceeded):
		return auditErrMFAExceeded
	case errors.Is(err, ErrReplayDetected):
		return auditErrReplay
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrSessionNotFound):
		return auditErrTokenInvalid
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUserNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
