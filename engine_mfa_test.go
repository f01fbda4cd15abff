package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/halcyonsec/authcore/mfa"
)

func TestSetupMFARequiresKnownActiveUser(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	ctx := context.Background()

	if _, err := engine.SetupMFA(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	users.put(UserRecord{ID: "u2", Email: "bob@example.com", Role: "member", Active: false})
	if _, err := engine.SetupMFA(ctx, "u2"); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestSetupMFAProvisionsMaterial(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")

	provision, err := engine.SetupMFA(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if provision.Secret == "" {
		t.Fatal("expected base32 secret")
	}
	if !strings.Contains(provision.URI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI: %s", provision.URI)
	}
	if len(provision.BackupCodes) != cfg.MFA.BackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", cfg.MFA.BackupCodeCount, len(provision.BackupCodes))
	}

	status, err := engine.MFAStatus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.State != mfa.StatePendingSetup {
		t.Fatalf("expected pending_setup, got %s", status.State)
	}
}

func TestEnableMFAWrongCode(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	ctx := context.Background()

	if _, err := engine.SetupMFA(ctx, "u1"); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if err := engine.EnableMFA(ctx, "u1", "000000"); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected ErrInvalidMFACode, got %v", err)
	}
	if err := engine.EnableMFA(ctx, "u2", "000000"); !errors.Is(err, ErrMFANotEnrolled) {
		t.Fatalf("expected ErrMFANotEnrolled, got %v", err)
	}
}

func TestBackupCodeLoginDecrementsRemaining(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	provision := enrollMFA(t, engine, "u1")

	ctx := loginCtx("10.0.0.1", "", "fp-1")
	res, err := engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
	if err != nil || !res.MFARequired {
		t.Fatalf("expected challenge, got res=%+v err=%v", res, err)
	}

	tokens, err := engine.ConfirmLogin(ctx, res.PreAuthToken, provision.BackupCodes[0])
	if err != nil {
		t.Fatalf("ConfirmLogin with backup code failed: %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected tokens")
	}

	status, err := engine.MFAStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.BackupCodesUnused != cfg.MFA.BackupCodeCount-1 {
		t.Fatalf("expected %d codes remaining, got %d", cfg.MFA.BackupCodeCount-1, status.BackupCodesUnused)
	}

	// The consumed code never validates again.
	res2, err := engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
	if err != nil || !res2.MFARequired {
		t.Fatalf("expected second challenge, got res=%+v err=%v", res2, err)
	}
	if _, err := engine.ConfirmLogin(ctx, res2.PreAuthToken, provision.BackupCodes[0]); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected consumed backup code rejected, got %v", err)
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	provision := enrollMFA(t, engine, "u1")
	ctx := context.Background()

	fresh, err := engine.RegenerateBackupCodes(ctx, "u1", totpFromSecret(t, provision.Secret, 0))
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(fresh) != cfg.MFA.BackupCodeCount {
		t.Fatalf("expected %d fresh codes, got %d", cfg.MFA.BackupCodeCount, len(fresh))
	}

	status, err := engine.MFAStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.BackupCodesUnused != cfg.MFA.BackupCodeCount {
		t.Fatalf("expected full fresh set, got %d", status.BackupCodesUnused)
	}
}

func TestDisableMFARevokesSessions(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	provision := enrollMFA(t, engine, "u1")

	ctx := loginCtx("10.0.0.1", "", "fp-1")
	res, err := engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
	if err != nil || !res.MFARequired {
		t.Fatalf("expected challenge, got res=%+v err=%v", res, err)
	}
	tokens, err := engine.ConfirmLogin(ctx, res.PreAuthToken, totpFromSecret(t, provision.Secret, 0))
	if err != nil {
		t.Fatalf("ConfirmLogin failed: %v", err)
	}

	if err := engine.DisableMFA(ctx, "u1", totpFromSecret(t, provision.Secret, 1)); err != nil {
		t.Fatalf("DisableMFA failed: %v", err)
	}

	status, err := engine.MFAStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.State != mfa.StateDisabled {
		t.Fatalf("expected disabled, got %s", status.State)
	}

	// Stripping the second factor invalidates existing sessions.
	if _, err := engine.ValidateAccess(ctx, tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected sessions revoked after disable, got %v", err)
	}

	// Next login no longer challenges.
	res, err = engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
	if err != nil {
		t.Fatalf("Login after disable failed: %v", err)
	}
	if res.MFARequired {
		t.Fatal("disabled user must not be challenged")
	}
}

func TestValidateDistinguishesNotEnabledFromInvalid(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	ctx := context.Background()

	// pending_setup: validation reports the enrollment gap, not a bad code.
	if _, err := engine.SetupMFA(ctx, "u1"); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if err := engine.DisableMFA(ctx, "u1", "000000"); !errors.Is(err, ErrMFANotEnabled) {
		t.Fatalf("expected ErrMFANotEnabled, got %v", err)
	}
}
