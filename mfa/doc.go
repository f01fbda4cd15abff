// Package mfa implements per-user multi-factor enrollment: a TOTP secret
// provisioned through a disabled -> pending_setup -> enabled state machine,
// plus single-use backup codes. Secrets are sealed before storage, backup
// codes exist only as per-user hashes, and state transitions run as Redis
// WATCH compare-and-swap so concurrent enrollment actions cannot interleave.
package mfa
