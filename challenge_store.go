package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const challengeKeyPrefix = "amc"

var (
	errChallengeNotFound = errors.New("mfa challenge not found")
	errChallengeExpired  = errors.New("mfa challenge expired")
	errChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// mfaChallenge is the server-side record behind a pre-auth token. It pins the
// login context (user, remember-me choice, device) so the confirmation step
// cannot be replayed into a different session shape.
type mfaChallenge struct {
	UserID      string
	CompanyID   string
	Fingerprint string
	Remember    bool
	ExpiresAt   int64
	Attempts    int
}

type challengeStore struct {
	redis redis.UniversalClient
}

func newChallengeStore(redisClient redis.UniversalClient) *challengeStore {
	return &challengeStore{redis: redisClient}
}

func (s *challengeStore) key(challengeID string) string {
	return challengeKeyPrefix + ":" + challengeID
}

func (s *challengeStore) Save(ctx context.Context, challengeID string, record *mfaChallenge, ttl time.Duration) error {
	remember := "0"
	if record.Remember {
		remember = "1"
	}

	key := s.key(challengeID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"user":     record.UserID,
			"company":  record.CompanyID,
			"fp":       record.Fingerprint,
			"remember": remember,
			"expires":  strconv.FormatInt(record.ExpiresAt, 10),
			"attempts": strconv.Itoa(record.Attempts),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *challengeStore) Get(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	m, err := s.redis.HGetAll(ctx, s.key(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	if len(m) == 0 {
		return nil, errChallengeNotFound
	}

	record, err := challengeFromMap(m)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errChallengeExpired
	}
	return record, nil
}

// Delete removes the challenge and reports whether it still existed. The
// boolean is the single-use guarantee: under concurrent confirmations only
// one caller observes true.
func (s *challengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt counter under a WATCH transaction and
// destroys the challenge once maxAttempts is reached, returning exceeded.
func (s *challengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			m, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(m) == 0 {
				return errChallengeNotFound
			}

			record, err := challengeFromMap(m)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExpired
			}

			record.Attempts++
			if record.Attempts >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExpired
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "attempts", strconv.Itoa(record.Attempts))
				pipe.Expire(ctx, key, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errChallengeNotFound
}

func challengeFromMap(m map[string]string) (*mfaChallenge, error) {
	expires, err := strconv.ParseInt(m["expires"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad challenge record", errChallengeBackend)
	}
	attempts, err := strconv.Atoi(m["attempts"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad challenge record", errChallengeBackend)
	}

	return &mfaChallenge{
		UserID:      m["user"],
		CompanyID:   m["company"],
		Fingerprint: m["fp"],
		Remember:    m["remember"] == "1",
		ExpiresAt:   expires,
		Attempts:    attempts,
	}, nil
}
