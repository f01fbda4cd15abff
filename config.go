package authcore

import (
	"errors"
	"time"

	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/jwt"
	"github.com/halcyonsec/authcore/mfa"
	"github.com/halcyonsec/authcore/risk"
)

// JWTConfig configures token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	PreAuthTTL    time.Duration
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// SessionConfig configures session lifetimes and storage.
type SessionConfig struct {
	RedisPrefix string

	// RefreshTTL is the session lifetime when the login asked to be
	// remembered; SessionScopedTTL applies otherwise. Both are explicit so
	// policy reviews see the two lifetimes side by side.
	RefreshTTL       time.Duration
	SessionScopedTTL time.Duration
}

// LockoutConfig configures failed-login tracking.
type LockoutConfig struct {
	MaxFailures  int
	Window       time.Duration
	LockDuration time.Duration
}

// RiskConfig configures login risk scoring.
type RiskConfig struct {
	WeightNewDevice      int
	WeightUnrecognizedIP int
	WeightVelocity       int
	WeightReputation     int
	ChallengeThreshold   int
	BlockThreshold       int
	VelocityWindow       time.Duration
	EvaluateTimeout      time.Duration
	IPHistorySize        int
	IPHistoryTTL         time.Duration
	BlockOnReputationHit bool
	FailOpen             bool
}

// MFAConfig configures enrollment and challenges.
type MFAConfig struct {
	Issuer           string
	Digits           int
	Period           int
	Skew             int
	Algorithm        string
	BackupCodeCount  int
	BackupCodeLength int

	// SecretKey seals TOTP secrets at rest. 32 bytes, required.
	SecretKey []byte

	ChallengeTTL         time.Duration
	MaxChallengeAttempts int
}

// PasswordConfig configures the default Argon2id verifier.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process metrics collection.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config is the full engine configuration tree.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Lockout  LockoutConfig
	Risk     RiskConfig
	MFA      MFAConfig
	Password PasswordConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			PreAuthTTL:    5 * time.Minute,
			SigningMethod: string(jwt.MethodEd25519),
			Issuer:        "authcore",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:      "as",
			RefreshTTL:       7 * 24 * time.Hour,
			SessionScopedTTL: 12 * time.Hour,
		},
		Lockout: LockoutConfig{
			MaxFailures:  5,
			Window:       15 * time.Minute,
			LockDuration: 30 * time.Minute,
		},
		Risk: RiskConfig{
			WeightNewDevice:      40,
			WeightUnrecognizedIP: 20,
			WeightVelocity:       30,
			WeightReputation:     50,
			ChallengeThreshold:   50,
			BlockThreshold:       90,
			VelocityWindow:       5 * time.Minute,
			EvaluateTimeout:      2 * time.Second,
			IPHistorySize:        10,
			IPHistoryTTL:         90 * 24 * time.Hour,
			BlockOnReputationHit: true,
		},
		MFA: MFAConfig{
			Issuer:               "authcore",
			Digits:               6,
			Period:               30,
			Skew:                 1,
			Algorithm:            "SHA1",
			BackupCodeCount:      10,
			BackupCodeLength:     10,
			ChallengeTTL:         5 * time.Minute,
			MaxChallengeAttempts: 5,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations that would weaken the security posture or
// cannot work at runtime.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 || c.JWT.AccessTTL > time.Hour {
		return errors.New("JWT.AccessTTL must be in (0, 1h]")
	}
	if c.JWT.PreAuthTTL <= 0 || c.JWT.PreAuthTTL > 15*time.Minute {
		return errors.New("JWT.PreAuthTTL must be in (0, 15m]")
	}
	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodEd25519, jwt.MethodHS256:
	default:
		return errors.New("JWT.SigningMethod must be ed25519 or hs256")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT.Leeway must be in [0, 2m]")
	}

	if c.Session.RefreshTTL < time.Hour {
		return errors.New("Session.RefreshTTL must be >= 1h")
	}
	if c.Session.SessionScopedTTL < 10*time.Minute {
		return errors.New("Session.SessionScopedTTL must be >= 10m")
	}
	if c.Session.SessionScopedTTL > c.Session.RefreshTTL {
		return errors.New("Session.SessionScopedTTL must not exceed Session.RefreshTTL")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session.RefreshTTL must exceed JWT.AccessTTL")
	}

	if c.Lockout.MaxFailures < 3 {
		return errors.New("Lockout.MaxFailures must be >= 3")
	}
	if c.Lockout.Window < time.Minute {
		return errors.New("Lockout.Window must be >= 1m")
	}
	if c.Lockout.LockDuration < time.Minute {
		return errors.New("Lockout.LockDuration must be >= 1m")
	}

	if c.Risk.ChallengeThreshold <= 0 {
		return errors.New("Risk.ChallengeThreshold must be positive")
	}
	if c.Risk.BlockThreshold <= c.Risk.ChallengeThreshold {
		return errors.New("Risk.BlockThreshold must exceed Risk.ChallengeThreshold")
	}
	if c.Risk.WeightNewDevice < 0 || c.Risk.WeightUnrecognizedIP < 0 ||
		c.Risk.WeightVelocity < 0 || c.Risk.WeightReputation < 0 {
		return errors.New("Risk weights must not be negative")
	}
	if c.Risk.EvaluateTimeout <= 0 || c.Risk.EvaluateTimeout > 10*time.Second {
		return errors.New("Risk.EvaluateTimeout must be in (0, 10s]")
	}

	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		return errors.New("MFA.Digits must be in [6, 8]")
	}
	if c.MFA.Period < 15 || c.MFA.Period > 120 {
		return errors.New("MFA.Period must be in [15, 120] seconds")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA.Skew must be in [0, 2]")
	}
	if c.MFA.BackupCodeCount < 5 || c.MFA.BackupCodeCount > 20 {
		return errors.New("MFA.BackupCodeCount must be in [5, 20]")
	}
	if c.MFA.BackupCodeLength < 8 || c.MFA.BackupCodeLength > 32 {
		return errors.New("MFA.BackupCodeLength must be in [8, 32]")
	}
	if len(c.MFA.SecretKey) != 32 {
		return errors.New("MFA.SecretKey must be exactly 32 bytes")
	}
	if c.MFA.ChallengeTTL <= 0 || c.MFA.ChallengeTTL > 15*time.Minute {
		return errors.New("MFA.ChallengeTTL must be in (0, 15m]")
	}
	if c.MFA.MaxChallengeAttempts < 3 || c.MFA.MaxChallengeAttempts > 10 {
		return errors.New("MFA.MaxChallengeAttempts must be in [3, 10]")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit.BufferSize must be positive when audit is enabled")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.SecretKey = cloneBytes(cfg.MFA.SecretKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c *Config) riskConfig() risk.Config {
	return risk.Config{
		WeightNewDevice:      c.Risk.WeightNewDevice,
		WeightUnrecognizedIP: c.Risk.WeightUnrecognizedIP,
		WeightVelocity:       c.Risk.WeightVelocity,
		WeightReputation:     c.Risk.WeightReputation,
		ChallengeThreshold:   c.Risk.ChallengeThreshold,
		BlockThreshold:       c.Risk.BlockThreshold,
		VelocityWindow:       c.Risk.VelocityWindow,
		EvaluateTimeout:      c.Risk.EvaluateTimeout,
		BlockOnReputationHit: c.Risk.BlockOnReputationHit,
		FailOpen:             c.Risk.FailOpen,
	}
}

func (c *Config) mfaConfig() mfa.Config {
	return mfa.Config{
		TOTP: mfa.TOTPConfig{
			Issuer:    c.MFA.Issuer,
			Digits:    c.MFA.Digits,
			Period:    c.MFA.Period,
			Skew:      c.MFA.Skew,
			Algorithm: c.MFA.Algorithm,
		},
		BackupCodeCount:  c.MFA.BackupCodeCount,
		BackupCodeLength: c.MFA.BackupCodeLength,
	}
}

func (c *Config) auditConfig() audit.Config {
	return audit.Config{
		Enabled:    c.Audit.Enabled,
		BufferSize: c.Audit.BufferSize,
		DropIfFull: c.Audit.DropIfFull,
	}
}
