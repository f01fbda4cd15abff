package authcore

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/halcyonsec/authcore/password"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-signing-secret")
	cfg.MFA.SecretKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Lockout = LockoutConfig{
		MaxFailures:  3,
		Window:       time.Minute,
		LockDuration: 5 * time.Minute,
	}
	// Cheap Argon2 parameters keep the suite fast.
	cfg.Password = PasswordConfig{
		Memory:      8192,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

type memUserStore struct {
	mu      sync.Mutex
	byID    map[string]UserRecord
	byEmail map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byID:    map[string]UserRecord{},
		byEmail: map[string]string{},
	}
}

func (s *memUserStore) put(u UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.ID] = u
	s.byEmail[u.Email] = u.ID
}

func (s *memUserStore) FindByID(ctx context.Context, id string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := u
	return &out, nil
}

func (s *memUserStore) FindByEmail(ctx context.Context, email string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := s.byID[id]
	out := u
	return &out, nil
}

func newEngineForTest(t *testing.T, cfg Config, mutate func(*Builder)) (*Engine, *memUserStore, *miniredis.Miniredis) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	users := newMemUserStore()

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users)
	if mutate != nil {
		mutate(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, users, mr
}

func hashTestPassword(t *testing.T, cfg Config, plaintext string) string {
	t.Helper()

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	hash, err := hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return hash
}

func addTestUser(t *testing.T, users *memUserStore, cfg Config, id, email, plaintext string) {
	t.Helper()
	users.put(UserRecord{
		ID:           id,
		CompanyID:    "c1",
		Email:        email,
		Role:         "member",
		PasswordHash: hashTestPassword(t, cfg, plaintext),
		Active:       true,
	})
}

func loginCtx(ip, userAgent, fingerprint string) context.Context {
	ctx := context.Background()
	if ip != "" {
		ctx = WithClientIP(ctx, ip)
	}
	if userAgent != "" {
		ctx = WithUserAgent(ctx, userAgent)
	}
	if fingerprint != "" {
		ctx = WithDeviceFingerprint(ctx, fingerprint)
	}
	return ctx
}

// totpFromSecret derives the 6-digit SHA1 code for the current step plus
// offset, matching the engine's default TOTP parameters.
func totpFromSecret(t *testing.T, secretBase32 string, offset int64) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode totp secret failed: %v", err)
	}

	counter := time.Now().Unix()/30 + offset
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	bin := (int(sum[off])&0x7f)<<24 |
		(int(sum[off+1])&0xff)<<16 |
		(int(sum[off+2])&0xff)<<8 |
		(int(sum[off+3]) & 0xff)

	return fmt.Sprintf("%06d", bin%1000000)
}

// enrollMFA walks a user through setup and enable, consuming the step before
// the current one so later validations can use the current step.
func enrollMFA(t *testing.T, engine *Engine, userID string) *MFAProvision {
	t.Helper()
	ctx := context.Background()

	provision, err := engine.SetupMFA(ctx, userID)
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if err := engine.EnableMFA(ctx, userID, totpFromSecret(t, provision.Secret, -1)); err != nil {
		t.Fatalf("EnableMFA failed: %v", err)
	}
	return provision
}
