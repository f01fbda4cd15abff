package risk

import (
	"context"
	"errors"
	"time"
)

// Assessment reason codes, stable for audit consumers.
const (
	ReasonNewDevice       = "new_device"
	ReasonUnrecognizedIP  = "unrecognized_ip"
	ReasonVelocityAnomaly = "velocity_anomaly"
	ReasonIPReputation    = "ip_reputation"
	ReasonUnavailable     = "evaluation_unavailable"
)

// ReputationList answers whether an IP is known-bad. Implementations are
// expected to be fast; evaluation runs them under the configured timeout.
type ReputationList interface {
	Contains(ctx context.Context, ip string) (bool, error)
}

// Config tunes signal weights and decision thresholds.
type Config struct {
	WeightNewDevice      int
	WeightUnrecognizedIP int
	WeightVelocity       int
	WeightReputation     int

	ChallengeThreshold int
	BlockThreshold     int

	VelocityWindow  time.Duration
	EvaluateTimeout time.Duration

	// BlockOnReputationHit forces Allowed=false on a reputation match
	// regardless of the accumulated score.
	BlockOnReputationHit bool

	// FailOpen skips signals whose backing store is unreachable. The default
	// (false) degrades to a challenge decision instead.
	FailOpen bool
}

// Assessment is the outcome of one login risk evaluation.
type Assessment struct {
	Score       int
	Reasons     []string
	IsNewDevice bool
	RequiresMFA bool
	Allowed     bool
	DeviceID    string
	Degraded    bool
}

// Engine scores a login attempt from additive, independently observable
// signals. Scores never decrease as signals are added.
type Engine struct {
	devices    *DeviceStore
	reputation ReputationList
	config     Config
}

// NewEngine creates a risk [Engine]. reputation may be nil, disabling the
// reputation signal.
func NewEngine(devices *DeviceStore, reputation ReputationList, cfg Config) *Engine {
	if cfg.EvaluateTimeout <= 0 {
		cfg.EvaluateTimeout = 2 * time.Second
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 5 * time.Minute
	}
	return &Engine{
		devices:    devices,
		reputation: reputation,
		config:     cfg,
	}
}

// Evaluate scores the attempt and records its observable side effects: the
// device's LastSeenAt is bumped (or the device is created) and the source IP
// is appended to the user's history. Backend failures never surface as
// errors; they degrade the assessment according to FailOpen.
func (e *Engine) Evaluate(ctx context.Context, userID, fingerprint, ip string) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.EvaluateTimeout)
	defer cancel()

	now := time.Now()
	assessment := &Assessment{Allowed: true}

	device, err := e.devices.Lookup(ctx, userID, fingerprint)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		assessment.IsNewDevice = true
		assessment.Score += e.config.WeightNewDevice
		assessment.Reasons = append(assessment.Reasons, ReasonNewDevice)
	case err != nil:
		return e.degrade(assessment), nil
	default:
		assessment.DeviceID = device.DeviceID
	}

	history, err := e.devices.recentIPs(ctx, userID)
	if err != nil {
		return e.degrade(assessment), nil
	}
	if ip != "" && len(history) > 0 {
		if !containsIP(history, ip) {
			assessment.Score += e.config.WeightUnrecognizedIP
			assessment.Reasons = append(assessment.Reasons, ReasonUnrecognizedIP)
		}
		last := history[0]
		if last.ip != ip && now.Sub(time.Unix(last.seen, 0)) <= e.config.VelocityWindow {
			assessment.Score += e.config.WeightVelocity
			assessment.Reasons = append(assessment.Reasons, ReasonVelocityAnomaly)
		}
	}

	if e.reputation != nil && ip != "" {
		hit, err := e.reputation.Contains(ctx, ip)
		if err != nil {
			return e.degrade(assessment), nil
		}
		if hit {
			assessment.Score += e.config.WeightReputation
			assessment.Reasons = append(assessment.Reasons, ReasonIPReputation)
			if e.config.BlockOnReputationHit {
				assessment.Allowed = false
			}
		}
	}

	e.applyThresholds(assessment)

	// Side effects happen after scoring so the current attempt does not
	// recognize its own IP.
	stored, err := e.devices.Upsert(ctx, userID, fingerprint, now)
	if err == nil && stored != nil {
		assessment.DeviceID = stored.DeviceID
	}
	_ = e.devices.RecordIP(ctx, userID, ip, now)

	return assessment, nil
}

func (e *Engine) applyThresholds(a *Assessment) {
	if a.Score >= e.config.ChallengeThreshold {
		a.RequiresMFA = true
	}
	if a.Score >= e.config.BlockThreshold {
		a.Allowed = false
	}
}

func (e *Engine) degrade(a *Assessment) *Assessment {
	a.Degraded = true
	a.Reasons = append(a.Reasons, ReasonUnavailable)
	if !e.config.FailOpen {
		a.RequiresMFA = true
	}
	return a
}

func containsIP(history []ipObservation, ip string) bool {
	for _, obs := range history {
		if obs.ip == ip {
			return true
		}
	}
	return false
}
