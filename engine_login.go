package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/halcyonsec/authcore/internal"
	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/jwt"
	"github.com/halcyonsec/authcore/mfa"
)

// Login verifies the primary factor and either issues a full token pair or
// returns a pre-auth token when a second factor is required. Credential
// failures are uniform: callers cannot distinguish an unknown email from a
// wrong password. Lockout state that cannot be read is a denial, never a
// bypass.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.userStore == nil || e.passwords == nil {
		return nil, ErrEngineNotReady
	}

	identity := strings.ToLower(strings.TrimSpace(req.Email))
	if identity == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}
	ip := clientIPFromContext(ctx)

	locked, err := e.lockouts.IsLocked(ctx, identity)
	if err != nil {
		return nil, ErrUnavailable
	}
	if locked {
		e.metricInc(MetricLoginLockedOut)
		e.emitAudit(ctx, auditEventLoginLockedOut, audit.SeverityWarning, false, "", "", ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	user, err := e.userStore.FindByEmail(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNotFound) {
			// Unknown identities still consume lockout budget so the
			// counter cannot be used to enumerate accounts.
			return nil, e.failLogin(ctx, identity, ip, "")
		}
		return nil, ErrUnavailable
	}

	ok, err := e.passwords.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, identity, ip, user.ID)
	}

	if !user.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, audit.SeverityInfo, false, user.ID, "", ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}

	if err := e.lockouts.Clear(ctx, identity, ip); err != nil {
		return nil, ErrUnavailable
	}

	fingerprint := fingerprintFromContext(ctx)
	assessment, err := e.riskEngine.Evaluate(ctx, user.ID, fingerprint, ip)
	if err != nil {
		return nil, ErrUnavailable
	}
	if assessment.Degraded {
		e.metricInc(MetricRiskDegraded)
	}

	if !assessment.Allowed {
		e.metricInc(MetricLoginBlocked)
		e.metricInc(MetricRiskBlock)
		e.emitAudit(ctx, auditEventLoginBlocked, audit.SeverityCritical, false, user.ID, "", ErrSecurityViolation, func() map[string]string {
			return riskMetadata(assessment.Score, assessment.Reasons)
		})
		return nil, ErrSecurityViolation
	}

	mfaStatus, err := e.mfaEngine.Status(ctx, user.ID)
	if err != nil {
		return nil, ErrUnavailable
	}
	enrolled := mfaStatus.State == mfa.StateEnabled

	// Most restrictive wins: enrollment alone demands the second factor,
	// and so does the risk score.
	requiresMFA := enrolled || assessment.RequiresMFA
	if assessment.RequiresMFA {
		e.metricInc(MetricRiskChallenge)
	}

	if requiresMFA && !enrolled {
		// The step-up cannot be satisfied. Declining beats silently
		// downgrading the control.
		e.emitAudit(ctx, auditEventMFAEnrollmentRequired, audit.SeverityWarning, false, user.ID, "", ErrSecurityViolation, func() map[string]string {
			return riskMetadata(assessment.Score, assessment.Reasons)
		})
		return nil, ErrSecurityViolation
	}

	if requiresMFA {
		preAuth, err := e.issueChallenge(ctx, user, fingerprint, req.RememberMe, assessment.Score)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			MFARequired:  true,
			PreAuthToken: preAuth,
			Risk:         assessment,
		}, nil
	}

	tokens, err := e.issueSession(ctx, user, assessment.DeviceID, req.RememberMe)
	if err != nil {
		return nil, err
	}
	if fingerprint != "" {
		_ = e.devices.MarkSeen(ctx, user.ID, fingerprint)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, audit.SeverityInfo, true, user.ID, tokens.SessionID, nil, nil)

	return &LoginResult{Tokens: tokens, Risk: assessment}, nil
}

// ConfirmLogin exchanges a pre-auth token plus a second-factor code for the
// full token pair. The underlying challenge is single use: concurrent
// confirmations race to one winner.
func (e *Engine) ConfirmLogin(ctx context.Context, preAuthToken, code string) (*TokenPair, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.Parse(preAuthToken)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.Scope != jwt.ScopeMFAPending {
		return nil, ErrTokenInvalid
	}

	challengeID := claims.SID
	challenge, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		switch {
		case errors.Is(err, errChallengeNotFound), errors.Is(err, errChallengeExpired):
			return nil, ErrMFAChallengeExpired
		default:
			return nil, ErrUnavailable
		}
	}

	method, err := e.mfaEngine.Validate(ctx, challenge.UserID, code)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrInvalidCode):
			return nil, e.failChallengeAttempt(ctx, challengeID, challenge.UserID)
		case errors.Is(err, mfa.ErrNotEnabled):
			return nil, ErrMFANotEnabled
		default:
			return nil, ErrUnavailable
		}
	}

	deleted, err := e.challenges.Delete(ctx, challengeID)
	if err != nil {
		return nil, ErrUnavailable
	}
	if !deleted {
		// Another confirmation consumed the challenge first.
		e.emitAudit(ctx, auditEventMFAChallengeFailure, audit.SeverityWarning, false, challenge.UserID, "", ErrReplayDetected, nil)
		return nil, ErrReplayDetected
	}

	user, err := e.userStore.FindByID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, ErrUnavailable
	}
	if !user.Active {
		return nil, ErrAccountInactive
	}

	var deviceID string
	if challenge.Fingerprint != "" {
		if device, lookupErr := e.devices.Lookup(ctx, user.ID, challenge.Fingerprint); lookupErr == nil {
			deviceID = device.DeviceID
		}
		_ = e.devices.MarkSeen(ctx, user.ID, challenge.Fingerprint)
	}

	tokens, err := e.issueSession(ctx, user, deviceID, challenge.Remember)
	if err != nil {
		return nil, err
	}

	if method == mfa.MethodBackup {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, audit.SeverityWarning, true, user.ID, tokens.SessionID, nil, nil)
	}
	e.metricInc(MetricMFAChallengeSuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFAChallengeSuccess, audit.SeverityInfo, true, user.ID, tokens.SessionID, nil, nil)

	return tokens, nil
}

func (e *Engine) issueChallenge(
	ctx context.Context,
	user *UserRecord,
	fingerprint string,
	remember bool,
	riskScore int,
) (string, error) {
	challengeID, err := internal.NewSessionID()
	if err != nil {
		return "", err
	}

	record := &mfaChallenge{
		UserID:      user.ID,
		CompanyID:   user.CompanyID,
		Fingerprint: fingerprint,
		Remember:    remember,
		ExpiresAt:   time.Now().Add(e.config.MFA.ChallengeTTL).Unix(),
	}
	if err := e.challenges.Save(ctx, challengeID.String(), record, e.config.MFA.ChallengeTTL); err != nil {
		return "", ErrUnavailable
	}

	preAuth, err := e.jwtManager.CreatePreAuth(user.ID, user.CompanyID, challengeID.String())
	if err != nil {
		return "", err
	}

	e.metricInc(MetricMFAChallengeIssued)
	e.emitAudit(ctx, auditEventMFAChallengeIssued, audit.SeverityInfo, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"risk_score": strconv.Itoa(riskScore)}
	})

	return preAuth, nil
}

func (e *Engine) failLogin(ctx context.Context, identity, ip, userID string) error {
	lockedNow, err := e.lockouts.RecordFailure(ctx, identity, ip)
	if err != nil {
		return ErrUnavailable
	}

	e.metricInc(MetricLoginFailure)
	if lockedNow {
		e.metricInc(MetricLockoutTriggered)
		e.emitAudit(ctx, auditEventLockoutTriggered, audit.SeverityWarning, false, userID, "", ErrAccountLocked, nil)
	} else {
		e.emitAudit(ctx, auditEventLoginFailure, audit.SeverityInfo, false, userID, "", ErrInvalidCredentials, nil)
	}

	return ErrInvalidCredentials
}

func (e *Engine) failChallengeAttempt(ctx context.Context, challengeID, userID string) error {
	exceeded, err := e.challenges.RecordFailure(ctx, challengeID, e.config.MFA.MaxChallengeAttempts)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
			return ErrMFAChallengeExpired
		}
		return ErrUnavailable
	}

	e.metricInc(MetricMFAChallengeFailure)
	if exceeded {
		e.metricInc(MetricMFAAttemptsExceeded)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, audit.SeverityWarning, false, userID, "", ErrMFAAttemptsExceeded, nil)
		return ErrMFAAttemptsExceeded
	}

	e.emitAudit(ctx, auditEventMFAChallengeFailure, audit.SeverityInfo, false, userID, "", ErrInvalidMFACode, nil)
	return ErrInvalidMFACode
}

func riskMetadata(score int, reasons []string) map[string]string {
	return map[string]string{
		"risk_score":   strconv.Itoa(score),
		"risk_reasons": strings.Join(reasons, ","),
	}
}
