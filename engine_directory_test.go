package authcore

import (
	"errors"
	"testing"

	"github.com/halcyonsec/authcore/risk"
)

func TestListSessionsReportsClientMetadata(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")

	ctx := loginCtx("203.0.113.7", "cli/1.0", "fp-laptop")
	res, err := engine.Login(ctx, LoginRequest{
		Email:      "alice@example.com",
		Password:   "correct-password-123",
		RememberMe: true,
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	infos, err := engine.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}

	info := infos[0]
	if info.SessionID != res.Tokens.SessionID {
		t.Fatalf("session id mismatch: %s vs %s", info.SessionID, res.Tokens.SessionID)
	}
	if info.IP != "203.0.113.7" || info.UserAgent != "cli/1.0" {
		t.Fatalf("unexpected client metadata: ip=%s ua=%s", info.IP, info.UserAgent)
	}
	if !info.Remember {
		t.Fatal("expected remember-me session")
	}
	if info.ExpiresAt <= info.CreatedAt {
		t.Fatalf("expected future expiry, got created=%d expires=%d", info.CreatedAt, info.ExpiresAt)
	}
}

func TestListSessionsEmptyForUnknownUser(t *testing.T) {
	cfg := testConfig()
	engine, _, _ := newEngineForTest(t, cfg, nil)

	infos, err := engine.ListSessions(loginCtx("", "", ""), "ghost")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no sessions, got %d", len(infos))
	}
}

func TestListDevicesAfterLogins(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")

	for _, fp := range []string{"fp-laptop", "fp-phone"} {
		if _, err := engine.Login(loginCtx("10.0.0.1", "", fp), LoginRequest{
			Email:    "alice@example.com",
			Password: "correct-password-123",
		}); err != nil {
			t.Fatalf("Login with %s failed: %v", fp, err)
		}
	}

	devices, err := engine.ListDevices(loginCtx("", "", ""), "u1")
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	seen := map[string]bool{}
	for _, d := range devices {
		seen[d.Fingerprint] = true
	}
	if !seen["fp-laptop"] || !seen["fp-phone"] {
		t.Fatalf("unexpected device set: %+v", devices)
	}
}

func TestTrustDeviceSuppressesNewDeviceSignal(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")

	ctx := loginCtx("10.0.0.1", "", "fp-laptop")
	res, err := engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.Risk == nil || res.Risk.Score == 0 {
		t.Fatalf("first login from a new device must carry risk, got %+v", res.Risk)
	}

	if err := engine.TrustDevice(ctx, "u1", "fp-laptop"); err != nil {
		t.Fatalf("TrustDevice failed: %v", err)
	}

	devices, err := engine.ListDevices(ctx, "u1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("ListDevices failed: %v (%d devices)", err, len(devices))
	}
	if devices[0].Trust != risk.TrustTrusted {
		t.Fatalf("expected trusted device, got %s", devices[0].Trust)
	}
}

func TestTrustDeviceUnknownFingerprint(t *testing.T) {
	cfg := testConfig()
	engine, _, _ := newEngineForTest(t, cfg, nil)

	if err := engine.TrustDevice(loginCtx("", "", ""), "u1", "fp-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForgetDeviceResetsRiskBaseline(t *testing.T) {
	cfg := testConfig()
	engine, users, _ := newEngineForTest(t, cfg, nil)
	addTestUser(t, users, cfg, "u1", "alice@example.com", "correct-password-123")
	ctx := loginCtx("10.0.0.1", "", "fp-laptop")

	login := func() *risk.Assessment {
		res, err := engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "correct-password-123"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		return res.Risk
	}

	login()
	second := login()
	if second.Score != 0 {
		t.Fatalf("known device from known IP should score 0, got %d", second.Score)
	}

	if err := engine.ForgetDevice(ctx, "u1", "fp-laptop"); err != nil {
		t.Fatalf("ForgetDevice failed: %v", err)
	}
	if err := engine.ForgetDevice(ctx, "u1", "fp-laptop"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second forget, got %v", err)
	}

	third := login()
	if third.Score == 0 {
		t.Fatal("forgotten device must score as new again")
	}
}
