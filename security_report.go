package authcore

import (
	"context"
	"time"
)

// SecurityReport is a point-in-time operational posture snapshot, built for
// health endpoints and on-call dashboards rather than long-term storage.
type SecurityReport struct {
	GeneratedAt time.Time

	StoreHealthy bool
	StoreLatency time.Duration

	LoginSuccesses   uint64
	LoginFailures    uint64
	LoginsBlocked    uint64
	LockoutsActive   uint64
	ReplaysDetected  uint64
	MFAChallenges    uint64
	MFAFailures      uint64
	SessionsCreated  uint64
	SessionsRevoked  uint64
	AuditDropped     uint64
	ValidateDenials  uint64
	RiskDegradations uint64
}

// Report assembles a [SecurityReport] from the live counters and a store
// health probe. Counter values are cumulative since engine start.
func (e *Engine) Report(ctx context.Context) (*SecurityReport, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	report := &SecurityReport{GeneratedAt: time.Now().UTC()}

	latency, err := e.sessionStore.Ping(ctx)
	report.StoreLatency = latency
	report.StoreHealthy = err == nil

	snap := e.MetricsSnapshot()
	report.LoginSuccesses = snap.Counters[MetricLoginSuccess]
	report.LoginFailures = snap.Counters[MetricLoginFailure]
	report.LoginsBlocked = snap.Counters[MetricLoginBlocked]
	report.LockoutsActive = snap.Counters[MetricLockoutTriggered]
	report.ReplaysDetected = snap.Counters[MetricReplayDetected]
	report.MFAChallenges = snap.Counters[MetricMFAChallengeIssued]
	report.MFAFailures = snap.Counters[MetricMFAChallengeFailure]
	report.SessionsCreated = snap.Counters[MetricSessionCreated]
	report.SessionsRevoked = snap.Counters[MetricSessionRevoked]
	report.ValidateDenials = snap.Counters[MetricValidateDenied]
	report.RiskDegradations = snap.Counters[MetricRiskDegraded]
	report.AuditDropped = e.AuditDropped()

	return report, nil
}
