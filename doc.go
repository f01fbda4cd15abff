// Package authcore is an embeddable authentication security core: brute-force
// lockout, device and IP risk scoring, TOTP/backup-code MFA, and a
// rotate-on-use session token service with replay containment.
//
// The engine owns no user data. Accounts come from an injected [UserStore],
// password hashes are interpreted by a pluggable [PasswordVerifier], and all
// shared mutable state (sessions, lockouts, devices, MFA enrollments) lives
// in Redis, so any number of engine instances can serve one deployment.
//
// Construction goes through the [Builder]:
//
//	engine, err := authcore.New().
//		WithRedis(client).
//		WithUserStore(users).
//		WithConfig(cfg).
//		Build()
//
// Request metadata (client IP, user agent, device fingerprint) travels on the
// context via [WithClientIP], [WithUserAgent], and [WithDeviceFingerprint].
//
// Security posture is fail-closed throughout: a lockout state that cannot be
// read denies the login, a risk evaluation that cannot complete demands MFA,
// and a refresh token from an earlier rotation step destroys its session.
package authcore
