package authcore

import "errors"

// Credential and account errors. Login failures collapse to
// ErrInvalidCredentials so callers cannot probe which accounts exist.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountInactive    = errors.New("account inactive")
	ErrUserNotFound       = errors.New("user not found")
)

// Risk and policy errors.
var (
	// ErrSecurityViolation is returned when the risk engine blocks a login
	// or a required step-up cannot be satisfied.
	ErrSecurityViolation = errors.New("security violation")
)

// MFA errors.
var (
	ErrMFARequired         = errors.New("mfa required")
	ErrMFANotEnabled       = errors.New("mfa not enabled")
	ErrMFANotEnrolled      = errors.New("mfa not enrolled")
	ErrMFAAlreadyEnabled   = errors.New("mfa already enabled")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrMFAChallengeExpired = errors.New("mfa challenge expired")
	ErrMFAAttemptsExceeded = errors.New("mfa attempts exceeded")
)

// Token and session errors.
var (
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenRevoked    = errors.New("token revoked")
	ErrReplayDetected  = errors.New("token replay detected")
	ErrSessionNotFound = errors.New("session not found")
)

// Generic errors.
var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when a security decision cannot be made
	// because a backing store is unreachable. Callers must treat it as a
	// denial.
	ErrUnavailable    = errors.New("backend unavailable")
	ErrEngineNotReady = errors.New("engine not ready")
)
