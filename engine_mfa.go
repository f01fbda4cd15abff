package authcore

import (
	"context"
	"errors"

	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/mfa"
)

// SetupMFA begins TOTP enrollment for a user and returns the one-time
// provisioning material. The enrollment stays pending until EnableMFA proves
// possession of the secret.
func (e *Engine) SetupMFA(ctx context.Context, userID string) (*MFAProvision, error) {
	if e == nil || e.mfaEngine == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.lookupActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	provision, err := e.mfaEngine.Setup(ctx, user.ID, user.Email)
	if err != nil {
		return nil, mapMFAError(err)
	}

	e.emitAudit(ctx, auditEventMFASetupStarted, audit.SeverityInfo, true, user.ID, "", nil, nil)
	return provision, nil
}

// EnableMFA completes a pending enrollment with a current TOTP code. From
// this point on every login for the user demands the second factor.
func (e *Engine) EnableMFA(ctx context.Context, userID, code string) error {
	if e == nil || e.mfaEngine == nil {
		return ErrEngineNotReady
	}

	if err := e.mfaEngine.Enable(ctx, userID, code); err != nil {
		return mapMFAError(err)
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventMFAEnabled, audit.SeverityInfo, true, userID, "", nil, nil)
	return nil
}

// DisableMFA tears down an enabled enrollment. A valid code (TOTP or backup)
// is required; the change also revokes every session the user holds so a
// hijacked session cannot quietly strip the control.
func (e *Engine) DisableMFA(ctx context.Context, userID, code string) error {
	if e == nil || e.mfaEngine == nil {
		return ErrEngineNotReady
	}

	if err := e.mfaEngine.Disable(ctx, userID, code); err != nil {
		return mapMFAError(err)
	}

	if _, err := e.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, audit.SeverityWarning, true, userID, "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the full backup-code set after TOTP proof
// and returns the fresh plaintext codes, the only time they are visible.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil || e.mfaEngine == nil {
		return nil, ErrEngineNotReady
	}

	codes, err := e.mfaEngine.Regenerate(ctx, userID, code)
	if err != nil {
		return nil, mapMFAError(err)
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesRegenerated, audit.SeverityInfo, true, userID, "", nil, nil)
	return codes, nil
}

// MFAStatus reports the user's enrollment state and remaining backup codes.
func (e *Engine) MFAStatus(ctx context.Context, userID string) (*MFAStatus, error) {
	if e == nil || e.mfaEngine == nil {
		return nil, ErrEngineNotReady
	}

	status, err := e.mfaEngine.Status(ctx, userID)
	if err != nil {
		return nil, mapMFAError(err)
	}
	return status, nil
}

func (e *Engine) lookupActiveUser(ctx context.Context, userID string) (*UserRecord, error) {
	user, err := e.userStore.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUnavailable
	}
	if !user.Active {
		return nil, ErrAccountInactive
	}
	return user, nil
}

func mapMFAError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mfa.ErrNotEnabled):
		return ErrMFANotEnabled
	case errors.Is(err, mfa.ErrNotEnrolled):
		return ErrMFANotEnrolled
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		return ErrMFAAlreadyEnabled
	case errors.Is(err, mfa.ErrInvalidCode):
		return ErrInvalidMFACode
	default:
		return ErrUnavailable
	}
}
