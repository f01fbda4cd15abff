package authcore

import (
	"errors"

	"github.com/halcyonsec/authcore/internal/audit"
	"github.com/halcyonsec/authcore/jwt"
	"github.com/halcyonsec/authcore/lockout"
	"github.com/halcyonsec/authcore/mfa"
	"github.com/halcyonsec/authcore/password"
	"github.com/halcyonsec/authcore/risk"
	"github.com/halcyonsec/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Collaborators default sensibly where
// possible; Redis and a UserStore are mandatory.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userStore   UserStore
	passwords   PasswordVerifier
	permissions PermissionSource
	reputation  risk.ReputationList
	auditSink   AuditSink

	built bool
}

// New starts a builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithPasswordVerifier overrides the default Argon2id verifier.
func (b *Builder) WithPasswordVerifier(v PasswordVerifier) *Builder {
	b.passwords = v
	return b
}

// WithPermissionSource enables permission decoration of validation results.
func (b *Builder) WithPermissionSource(src PermissionSource) *Builder {
	b.permissions = src
	return b
}

// WithReputationList enables the IP reputation risk signal.
func (b *Builder) WithReputationList(list risk.ReputationList) *Builder {
	b.reputation = list
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration and wires every subsystem.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	devices := risk.NewDeviceStore(b.redis, cfg.Risk.IPHistorySize, cfg.Risk.IPHistoryTTL)

	box, err := mfa.NewSecretBox(cfg.MFA.SecretKey)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		sessionStore: session.NewStore(b.redis, cfg.Session.RedisPrefix),
		lockouts: lockout.New(b.redis, lockout.Config{
			MaxFailures:  cfg.Lockout.MaxFailures,
			Window:       cfg.Lockout.Window,
			LockDuration: cfg.Lockout.LockDuration,
		}),
		devices:    devices,
		riskEngine: risk.NewEngine(devices, b.reputation, cfg.riskConfig()),
		mfaEngine:  mfa.NewEngine(mfa.NewStore(b.redis), box, cfg.mfaConfig()),
		challenges: newChallengeStore(b.redis),
		userStore:  b.userStore,
	}

	engine.passwords = b.passwords
	if engine.passwords == nil {
		ph, err := password.NewArgon2(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
		engine.passwords = ph
	}

	engine.permissions = b.permissions
	engine.audit = audit.NewDispatcher(cfg.auditConfig(), b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		PreAuthTTL:    cfg.JWT.PreAuthTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	b.built = true
	return engine, nil
}
