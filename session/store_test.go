package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, "as"), mr
}

func testSession(sessionID, userID string, hash [32]byte, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		SessionID:   sessionID,
		UserID:      userID,
		CompanyID:   "c1",
		Role:        "member",
		DeviceID:    "d1",
		IP:          "10.0.0.1",
		UserAgent:   "test-agent",
		RefreshHash: hash,
		CreatedAt:   now.Unix(),
		LastSeenAt:  now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Remember:    true,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	hash := sha256.Sum256([]byte("secret-1"))

	sess := testSession("sid-1", "u1", hash, time.Hour)
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "u1" || got.CompanyID != "c1" || got.Role != "member" {
		t.Fatalf("unexpected session fields: %+v", got)
	}
	if got.RefreshHash != hash {
		t.Fatal("refresh hash did not round-trip")
	}
	if !got.Remember {
		t.Fatal("remember flag did not round-trip")
	}

	ids, err := store.SessionIDs(ctx, "u1")
	if err != nil || len(ids) != 1 || ids[0] != "sid-1" {
		t.Fatalf("unexpected session index %v err=%v", ids, err)
	}
}

func TestGetMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetLazyExpiry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	hash := sha256.Sum256([]byte("secret-1"))

	sess := testSession("sid-1", "u1", hash, time.Hour)
	sess.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// Lazy expiry removes the record and its index entry.
	ids, err := store.SessionIDs(ctx, "u1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected cleaned index, got %v err=%v", ids, err)
	}
}

func TestRotateRefreshHashSwapsLineage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	oldHash := sha256.Sum256([]byte("secret-1"))
	newHash := sha256.Sum256([]byte("secret-2"))

	if err := store.Save(ctx, testSession("sid-1", "u1", oldHash, time.Hour), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rotated, err := store.RotateRefreshHash(ctx, "sid-1", oldHash, newHash, time.Minute)
	if err != nil {
		t.Fatalf("RotateRefreshHash failed: %v", err)
	}
	if rotated.RefreshHash != newHash {
		t.Fatal("expected rotated hash in returned session")
	}
	if rotated.UserID != "u1" {
		t.Fatalf("unexpected rotated session: %+v", rotated)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get after rotate failed: %v", err)
	}
	if got.RefreshHash != newHash {
		t.Fatal("stored hash not swapped")
	}
}

func TestRotateMismatchDestroysSessionAndDenies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	oldHash := sha256.Sum256([]byte("secret-1"))
	newHash := sha256.Sum256([]byte("secret-2"))
	nextHash := sha256.Sum256([]byte("secret-3"))

	if err := store.Save(ctx, testSession("sid-1", "u1", oldHash, time.Hour), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.RotateRefreshHash(ctx, "sid-1", oldHash, newHash, time.Minute); err != nil {
		t.Fatalf("first rotate failed: %v", err)
	}

	// Replaying the pre-rotation hash must destroy the session.
	_, err := store.RotateRefreshHash(ctx, "sid-1", oldHash, nextHash, time.Minute)
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected ErrRefreshHashMismatch, got %v", err)
	}

	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session destroyed, got %v", err)
	}
	denied, err := store.IsDenied(ctx, "sid-1")
	if err != nil || !denied {
		t.Fatalf("expected deny-list entry, got %v err=%v", denied, err)
	}
	ids, err := store.SessionIDs(ctx, "u1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected cleaned index, got %v err=%v", ids, err)
	}
}

func TestRotateUnknownSession(t *testing.T) {
	store, _ := newTestStore(t)
	hash := sha256.Sum256([]byte("secret-1"))

	_, err := store.RotateRefreshHash(context.Background(), "nope", hash, hash, time.Minute)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateExpiredSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	hash := sha256.Sum256([]byte("secret-1"))

	sess := testSession("sid-1", "u1", hash, time.Hour)
	sess.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err := store.RotateRefreshHash(ctx, "sid-1", hash, hash, time.Minute)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// Expired sessions are removed, not deny-listed.
	denied, err := store.IsDenied(ctx, "sid-1")
	if err != nil || denied {
		t.Fatalf("expired session must not be denied, got %v err=%v", denied, err)
	}
}

func TestDeleteAllForUserReturnsIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	hash := sha256.Sum256([]byte("secret-1"))

	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if err := store.Save(ctx, testSession(sid, "u1", hash, time.Hour), time.Hour); err != nil {
			t.Fatalf("Save %s failed: %v", sid, err)
		}
	}

	deleted, err := store.DeleteAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteAllForUser failed: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 deleted sessions, got %d", len(deleted))
	}

	for _, sid := range deleted {
		if _, err := store.Get(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected %s gone, got %v", sid, err)
		}
	}
	ids, err := store.SessionIDs(ctx, "u1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty index, got %v err=%v", ids, err)
	}
}

func TestGetManySkipsMissingAndExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	hash := sha256.Sum256([]byte("secret-1"))

	if err := store.Save(ctx, testSession("sid-live", "u1", hash, time.Hour), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	expired := testSession("sid-old", "u1", hash, time.Hour)
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := store.Save(ctx, expired, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sessions, err := store.GetMany(ctx, []string{"sid-live", "sid-old", "sid-missing"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sid-live" {
		t.Fatalf("expected only the live session, got %+v", sessions)
	}
}

func TestDenyListTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Deny(ctx, "sid-1", "revoked", time.Minute); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	denied, err := store.IsDenied(ctx, "sid-1")
	if err != nil || !denied {
		t.Fatalf("expected denied, got %v err=%v", denied, err)
	}

	mr.FastForward(time.Minute + time.Second)

	denied, err = store.IsDenied(ctx, "sid-1")
	if err != nil || denied {
		t.Fatalf("expected deny entry expired, got %v err=%v", denied, err)
	}
}
