// Package risk scores login attempts from device recognition, IP history,
// login velocity, and optional IP reputation. Signals are additive and each
// carries a stable reason code; thresholds map the accumulated score to a
// step-up (MFA) or block decision. When a backing store is unreachable the
// engine degrades to the configured fail-open or fail-closed posture instead
// of returning an error.
package risk
