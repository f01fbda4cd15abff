// Package jwt wraps token creation and verification for access and pre-auth
// tokens. Access tokens carry scope "access" and a live session ID; pre-auth
// tokens carry scope "mfa_pending" and reference an MFA challenge instead of
// a session. Ed25519 is the default signing method, HS256 is supported for
// single-service deployments.
package jwt
