package authcore

import (
	"context"
	"time"

	"github.com/halcyonsec/authcore/internal"
	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/jwt"
	"github.com/halcyonsec/authcore/lockout"
	"github.com/halcyonsec/authcore/mfa"
	"github.com/halcyonsec/authcore/risk"
	"github.com/halcyonsec/authcore/session"
)

// Engine is the authentication security core. It owns no user data; accounts
// come from the injected UserStore and all shared mutable state lives in
// Redis, so any number of Engine instances can serve the same deployment.
type Engine struct {
	config Config

	sessionStore *session.Store
	lockouts     *lockout.Tracker
	riskEngine   *risk.Engine
	devices      *risk.DeviceStore
	mfaEngine    *mfa.Engine
	challenges   *challengeStore
	jwtManager   *jwt.Manager

	userStore   UserStore
	passwords   PasswordVerifier
	permissions PermissionSource

	audit   *audit.Dispatcher
	metrics *Metrics
}

// Close drains the audit dispatcher. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Ping checks the shared store and returns the observed latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessionStore.Ping(ctx)
}

// MetricsSnapshot exposes counters for the exporter packages.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports audit events lost to dispatcher backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

// sessionLifetime selects between the remembered and browser-scoped TTL.
func (e *Engine) sessionLifetime(remember bool) time.Duration {
	if remember {
		return e.config.Session.RefreshTTL
	}
	return e.config.Session.SessionScopedTTL
}

// issueSession creates a session record and mints its token pair.
func (e *Engine) issueSession(
	ctx context.Context,
	user *UserRecord,
	deviceID string,
	remember bool,
) (*TokenPair, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ttl := e.sessionLifetime(remember)
	sess := &session.Session{
		SessionID:   sid.String(),
		UserID:      user.ID,
		CompanyID:   user.CompanyID,
		Role:        user.Role,
		DeviceID:    deviceID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		RefreshHash: internal.HashRefreshSecret(secret),
		CreatedAt:   now.Unix(),
		LastSeenAt:  now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Remember:    remember,
	}

	if err := e.sessionStore.Save(ctx, sess, ttl); err != nil {
		return nil, ErrUnavailable
	}

	accessToken, err := e.jwtManager.CreateAccess(user.ID, user.CompanyID, user.Role, sess.SessionID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := internal.EncodeRefreshToken(sess.SessionID, secret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    sess.SessionID,
	}, nil
}

// denyTTL is how long revoked session IDs stay on the deny-list. Matching
// the access TTL (plus leeway) guarantees every outstanding access token is
// covered for its whole remaining life.
func (e *Engine) denyTTL() time.Duration {
	return e.config.JWT.AccessTTL + e.config.JWT.Leeway
}
