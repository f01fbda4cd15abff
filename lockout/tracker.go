package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis failures. Callers must fail closed: an
// unknown lockout state is treated as a denial, never a bypass.
var ErrBackendUnavailable = errors.New("lockout backend unavailable")

// Config tunes the fixed failure window and the resulting lock.
type Config struct {
	MaxFailures  int
	Window       time.Duration
	LockDuration time.Duration
}

// Tracker counts consecutive authentication failures per (identity, source
// IP) pair inside a fixed window and locks the identity once the budget is
// exhausted. Counters and locks live in Redis so every instance observes the
// same state.
type Tracker struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Tracker] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Tracker {
	return &Tracker{
		redis:  redisClient,
		config: cfg,
	}
}

func failureKey(identity, ip string) string {
	if ip == "" {
		ip = "-"
	}
	return "lf:" + identity + ":" + ip
}

func lockKey(identity string) string {
	return "ll:" + identity
}

// RecordFailure atomically increments the failure counter for the pair and,
// on crossing the threshold, sets the identity lock. The lock is keyed by
// identity alone so rotating source IPs cannot reset the budget.
func (t *Tracker) RecordFailure(ctx context.Context, identity, ip string) (locked bool, err error) {
	count, err := t.incrementWithTTL(ctx, failureKey(identity, ip), t.config.Window)
	if err != nil {
		return false, err
	}

	if count < int64(t.config.MaxFailures) {
		return false, nil
	}

	if err := t.redis.Set(ctx, lockKey(identity), count, t.config.LockDuration).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return true, nil
}

// IsLocked reports whether the identity is currently locked out. Unknown
// identities report false without revealing whether the identity exists.
func (t *Tracker) IsLocked(ctx context.Context, identity string) (bool, error) {
	n, err := t.redis.Exists(ctx, lockKey(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

// RemainingLock returns how long the identity stays locked, zero when it is
// not locked.
func (t *Tracker) RemainingLock(ctx context.Context, identity string) (time.Duration, error) {
	ttl, err := t.redis.TTL(ctx, lockKey(identity)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear drops the failure counter and any active lock after a successful
// authentication.
func (t *Tracker) Clear(ctx context.Context, identity, ip string) error {
	if err := t.redis.Del(ctx, failureKey(identity, ip), lockKey(identity)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Failures returns the current window counter for the pair. Missing keys
// return zero.
func (t *Tracker) Failures(ctx context.Context, identity, ip string) (int, error) {
	count, err := t.redis.Get(ctx, failureKey(identity, ip)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (t *Tracker) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := t.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return count, nil
}
