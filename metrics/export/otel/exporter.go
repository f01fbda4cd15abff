package otel

import (
	"context"
	"errors"
	"fmt"

	authcore "github.com/halcyonsec/authcore"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type counterDef struct {
	id   authcore.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{authcore.MetricLoginSuccess, "authcore_login_success_total", "Completed logins."},
	{authcore.MetricLoginFailure, "authcore_login_failure_total", "Failed primary-factor attempts."},
	{authcore.MetricLoginBlocked, "authcore_login_blocked_total", "Logins blocked by the risk engine."},
	{authcore.MetricLoginLockedOut, "authcore_login_locked_out_total", "Logins refused due to an active lockout."},
	{authcore.MetricLockoutTriggered, "authcore_lockout_triggered_total", "New lockouts placed on identities."},
	{authcore.MetricMFAChallengeIssued, "authcore_mfa_challenge_issued_total", "MFA challenges issued at login."},
	{authcore.MetricMFAChallengeSuccess, "authcore_mfa_challenge_success_total", "MFA challenges satisfied."},
	{authcore.MetricMFAChallengeFailure, "authcore_mfa_challenge_failure_total", "MFA challenge attempts failed."},
	{authcore.MetricMFAAttemptsExceeded, "authcore_mfa_attempts_exceeded_total", "MFA challenges destroyed after too many failures."},
	{authcore.MetricMFAEnabled, "authcore_mfa_enabled_total", "MFA enrollments completed."},
	{authcore.MetricMFADisabled, "authcore_mfa_disabled_total", "MFA enrollments torn down."},
	{authcore.MetricBackupCodeUsed, "authcore_backup_code_used_total", "Backup codes consumed."},
	{authcore.MetricBackupCodesRegenerated, "authcore_backup_codes_regenerated_total", "Backup code sets replaced."},
	{authcore.MetricRefreshSuccess, "authcore_refresh_success_total", "Refresh rotations completed."},
	{authcore.MetricRefreshFailure, "authcore_refresh_failure_total", "Refresh attempts rejected."},
	{authcore.MetricReplayDetected, "authcore_replay_detected_total", "Refresh replays detected and contained."},
	{authcore.MetricValidateSuccess, "authcore_validate_success_total", "Access tokens validated."},
	{authcore.MetricValidateDenied, "authcore_validate_denied_total", "Access tokens rejected."},
	{authcore.MetricSessionCreated, "authcore_session_created_total", "Sessions issued."},
	{authcore.MetricSessionRevoked, "authcore_session_revoked_total", "Sessions revoked individually."},
	{authcore.MetricRevokeAll, "authcore_revoke_all_total", "Bulk per-user revocations."},
	{authcore.MetricRiskChallenge, "authcore_risk_challenge_total", "Logins stepped up by risk score."},
	{authcore.MetricRiskBlock, "authcore_risk_block_total", "Logins denied by risk score."},
	{authcore.MetricRiskDegraded, "authcore_risk_degraded_total", "Risk evaluations that ran degraded."},
}

type histogramDef struct {
	id   authcore.MetricID
	name string
}

var histogramDefs = []histogramDef{
	{authcore.MetricValidateLatency, "authcore_validate_latency_ms"},
}

// histogramBoundSuffix mirrors the engine's fixed bucket boundaries.
var histogramBoundSuffix = [8]string{"5", "10", "25", "50", "100", "250", "500", "inf"}

type metricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         authcore.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      authcore.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter bridges engine counters into OpenTelemetry observable
// instruments. One callback reads a snapshot per collection cycle; the
// exporter never owns the MeterProvider.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, engine *authcore.Engine) (*Exporter, error) {
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(counterDefs)),
		histograms: make([]observedHistogram, 0, len(histogramDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+len(histogramDefs)*9+1)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range histogramDefs {
		h := observedHistogram{id: def.id}
		for i := 0; i < len(histogramBoundSuffix); i++ {
			name := def.name + "_bucket_le_" + histogramBoundSuffix[i]
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authcore_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		for _, h := range exporter.histograms {
			cumulative := cumulativeBuckets(snapshot.Histograms[h.id])
			for i := 0; i < len(cumulative); i++ {
				observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
			}
			observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}

// cumulativeBuckets converts per-bucket counts into the cumulative shape OTel
// consumers expect. Missing input yields all-zero buckets.
func cumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(out); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
