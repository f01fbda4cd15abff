package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/halcyonsec/authcore/internal"
	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/jwt"
	"github.com/halcyonsec/authcore/session"
)

// Refresh rotates a refresh token and mints a fresh token pair. Presenting a
// token from an earlier rotation step is replay: the session is destroyed,
// its ID deny-listed, and ErrReplayDetected returned.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	sess, err := e.sessionStore.RotateRefreshHash(
		ctx,
		sessionID,
		internal.HashRefreshSecret(secret),
		internal.HashRefreshSecret(nextSecret),
		e.denyTTL(),
	)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metricInc(MetricReplayDetected)
			e.emitAudit(ctx, auditEventReplayDetected, audit.SeverityCritical, false, "", sessionID, ErrReplayDetected, nil)
			return nil, ErrReplayDetected
		case errors.Is(err, session.ErrSessionExpired):
			e.emitAudit(ctx, auditEventRefreshFailure, audit.SeverityInfo, false, "", sessionID, ErrTokenExpired, nil)
			return nil, ErrTokenExpired
		case errors.Is(err, session.ErrSessionNotFound):
			e.emitAudit(ctx, auditEventRefreshFailure, audit.SeverityInfo, false, "", sessionID, ErrSessionNotFound, nil)
			return nil, ErrSessionNotFound
		default:
			return nil, ErrUnavailable
		}
	}

	accessToken, err := e.jwtManager.CreateAccess(sess.UserID, sess.CompanyID, sess.Role, sess.SessionID)
	if err != nil {
		return nil, err
	}
	newRefreshToken, err := internal.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, audit.SeverityInfo, true, sess.UserID, sess.SessionID, nil, nil)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		SessionID:    sess.SessionID,
	}, nil
}

// ValidateAccess verifies an access token against both its signature and the
// revocation deny-list, then decorates the result with permissions when a
// PermissionSource is configured.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	result, err := e.validateAccess(ctx, accessToken)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))

	if err != nil {
		e.metricInc(MetricValidateDenied)
		if errors.Is(err, ErrTokenRevoked) {
			e.emitAudit(ctx, auditEventValidateDenied, audit.SeverityWarning, false, "", "", err, nil)
		}
		return nil, err
	}

	e.metricInc(MetricValidateSuccess)
	return result, nil
}

func (e *Engine) validateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	claims, err := e.jwtManager.Parse(accessToken)
	if err != nil {
		return nil, mapJWTError(err)
	}
	switch claims.Scope {
	case jwt.ScopeAccess:
	case jwt.ScopeMFAPending:
		// Pre-auth tokens prove half a login, not a session.
		return nil, ErrMFARequired
	default:
		return nil, ErrTokenInvalid
	}

	denied, err := e.sessionStore.IsDenied(ctx, claims.SID)
	if err != nil {
		return nil, ErrUnavailable
	}
	if denied {
		return nil, ErrTokenRevoked
	}

	result := &AuthResult{
		UserID:    claims.UID,
		CompanyID: claims.CID,
		Role:      claims.Role,
		SessionID: claims.SID,
	}

	if e.permissions != nil {
		perms, err := e.permissions.RolePermissions(ctx, claims.Role)
		if err != nil {
			return nil, ErrUnavailable
		}
		result.Permissions = perms
	}

	return result, nil
}

// Revoke terminates the session behind a single token. Both access and
// refresh tokens are accepted; revocation is idempotent.
func (e *Engine) Revoke(ctx context.Context, token string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}

	sessionID, err := e.resolveSessionID(token)
	if err != nil {
		return err
	}
	return e.RevokeSession(ctx, sessionID)
}

// RevokeSession destroys a session by ID and parks it on the deny-list so
// outstanding access tokens die immediately.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return ErrSessionNotFound
	}

	userID := ""
	if sess, err := e.sessionStore.Get(ctx, sessionID); err == nil {
		userID = sess.UserID
	}

	if err := e.sessionStore.Delete(ctx, userID, sessionID); err != nil {
		return ErrUnavailable
	}
	if err := e.sessionStore.Deny(ctx, sessionID, "revoked", e.denyTTL()); err != nil {
		return ErrUnavailable
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, audit.SeverityInfo, true, userID, sessionID, nil, nil)
	return nil
}

// RevokeAllForUser terminates every tracked session the user owns, typically
// after a password change or a confirmed compromise.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}

	sessionIDs, err := e.sessionStore.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, ErrUnavailable
	}

	denyTTL := e.denyTTL()
	for _, sid := range sessionIDs {
		if err := e.sessionStore.Deny(ctx, sid, "revoked_all", denyTTL); err != nil {
			return 0, ErrUnavailable
		}
	}

	e.metricInc(MetricRevokeAll)
	e.emitAudit(ctx, auditEventRevokeAll, audit.SeverityWarning, true, userID, "", nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(len(sessionIDs))}
	})
	return len(sessionIDs), nil
}

// resolveSessionID extracts the session ID from either token shape. Expired
// access tokens are still honored; the owner of a token may always kill its
// session.
func (e *Engine) resolveSessionID(token string) (string, error) {
	if sessionID, _, err := internal.DecodeRefreshToken(token); err == nil {
		return sessionID, nil
	}

	claims, err := e.jwtManager.Parse(token)
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			if claims := expiredTokenClaims(token, e.jwtManager); claims != nil && claims.Scope == jwt.ScopeAccess {
				return claims.SID, nil
			}
		}
		return "", mapJWTError(err)
	}
	if claims.Scope != jwt.ScopeAccess {
		return "", ErrTokenInvalid
	}
	return claims.SID, nil
}

// expiredTokenClaims re-parses a token known to have failed only on expiry.
func expiredTokenClaims(token string, manager *jwt.Manager) *jwt.Claims {
	claims, err := manager.ParseExpired(token)
	if err != nil {
		return nil
	}
	return claims
}

func mapJWTError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gojwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}
