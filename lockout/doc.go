// Package lockout implements fixed-window failed-login tracking with
// account-level locks. INCR-then-EXPIRE keeps the increment-or-create step
// atomic across instances sharing one Redis.
package lockout
