package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch signals that the presented refresh secret does not
// match the stored lineage: a rotated token was replayed.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable wraps backend failures so callers can fail closed.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned when the target session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when the target session has outlived its
// absolute lifetime.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionCorrupt is returned when a stored session record is unreadable.
var ErrSessionCorrupt = errors.New("session record corrupt")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateRefreshScript performs the rotation compare-and-swap in one atomic
// step. A hash mismatch is treated as replay: the whole session is destroyed
// and its ID parked on the deny-list so outstanding access tokens die within
// one access-token TTL.
const rotateRefreshScript = `
local key = KEYS[1]
local deny_key = KEYS[2]
local session_id = ARGV[1]
local provided_hash = ARGV[2]
local next_hash = ARGV[3]
local now_unix = tonumber(ARGV[4])
local user_prefix = ARGV[5]
local deny_ttl_ms = tonumber(ARGV[6])

if redis.call("EXISTS", key) == 0 then
  return {0}
end

local vals = redis.call("HMGET", key, "refresh", "expires", "user")
local stored_hash = vals[1]
local expires_at = tonumber(vals[2] or "0")
local user_id = vals[3] or ""
local user_key = user_prefix .. user_id

if expires_at <= now_unix then
  redis.call("DEL", key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if stored_hash ~= provided_hash then
  redis.call("DEL", key)
  redis.call("SREM", user_key, session_id)
  redis.call("SET", deny_key, "replay", "PX", deny_ttl_ms)
  return {2}
end

redis.call("HSET", key, "refresh", next_hash, "seen", now_unix)
return {3, redis.call("HGETALL", key)}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is a Redis-backed session store handling persistence, lazy expiry,
// atomic refresh rotation, and the revocation deny-list.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix namespaces all session keys.
func NewStore(redis redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:  redis,
		prefix: prefix,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

func (s *Store) denyKey(sessionID string) string {
	return s.prefix + "d:" + sessionID
}

// Save persists a session and indexes it under its owner.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrSessionExpired
	}

	sessionKey := s.key(sess.SessionID)
	userKey := s.userKey(sess.UserID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey, sess.fields())
		pipe.Expire(ctx, sessionKey, ttl)
		pipe.SAdd(ctx, userKey, sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get fetches a session by ID, removing it lazily if its absolute lifetime
// has passed.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	m, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(m) == 0 {
		return nil, ErrSessionNotFound
	}

	sess, err := sessionFromMap(sessionID, m)
	if err != nil {
		return nil, err
	}

	if sess.Expired(time.Now()) {
		if err := s.Delete(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	return sess, nil
}

// GetMany fetches multiple sessions, skipping missing and expired entries.
func (s *Store) GetMany(ctx context.Context, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.HGetAll(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now()
	sessions := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		m, cmdErr := cmd.Result()
		if cmdErr != nil || len(m) == 0 {
			continue
		}
		sess, decErr := sessionFromMap(sessionIDs[i], m)
		if decErr != nil {
			continue
		}
		if sess.Expired(now) {
			continue
		}
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// SessionIDs returns the tracked session IDs for a user.
func (s *Store) SessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Delete removes a session and its index entry.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.userKey(userID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every tracked session for a user.
//
// ATOMICITY NOTE: the read of the user's session set and the deletion run as
// separate steps. A session created in between is not captured; it expires
// naturally or falls to the next invocation.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) ([]string, error) {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sid := range sessionIDs {
			pipe.Del(ctx, s.key(sid))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sessionIDs, nil
}

// RotateRefreshHash atomically swaps the refresh-token hash via a Lua CAS
// script. Exactly one of N concurrent rotations can win; the rest observe
// ErrRefreshHashMismatch, which the caller must treat as replay.
func (s *Store) RotateRefreshHash(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	denyTTL time.Duration,
) (*Session, error) {
	if denyTTL <= 0 {
		denyTTL = time.Minute
	}

	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.denyKey(sessionID)},
		sessionID,
		providedHash[:],
		nextHash[:],
		time.Now().Unix(),
		s.userKey(""),
		denyTTL.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotation script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotation script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrRedisUnavailable)
		}
		fields, ok := parts[1].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrRedisUnavailable)
		}
		m := make(map[string]string, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			k, kok := fields[i].(string)
			v, vok := fields[i+1].(string)
			if !kok || !vok {
				return nil, ErrSessionCorrupt
			}
			m[k] = v
		}
		return sessionFromMap(sessionID, m)
	default:
		return nil, fmt.Errorf("%w: unknown rotation script status", ErrRedisUnavailable)
	}
}

// Deny parks a session ID on the revocation deny-list. TTL should be at
// least the access-token TTL so every outstanding token is covered.
func (s *Store) Deny(ctx context.Context, sessionID, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if reason == "" {
		reason = "revoked"
	}
	if err := s.redis.Set(ctx, s.denyKey(sessionID), reason, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsDenied reports whether the session ID sits on the deny-list.
func (s *Store) IsDenied(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.denyKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
