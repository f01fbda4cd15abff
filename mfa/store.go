package mfa

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the per-user enrollment state machine position.
type State string

const (
	StateDisabled     State = "disabled"
	StatePendingSetup State = "pending_setup"
	StateEnabled      State = "enabled"
)

var (
	// ErrBackendUnavailable wraps Redis failures.
	ErrBackendUnavailable = errors.New("mfa backend unavailable")
	// ErrStateConflict is returned when a CAS transition loses to a
	// concurrent writer or finds the wrong source state.
	ErrStateConflict = errors.New("mfa enrollment state conflict")
)

// Enrollment is the stored MFA record for one user. SealedSecret is the
// encrypted TOTP secret; LastCounter is the last accepted TOTP time step.
type Enrollment struct {
	State        State
	SealedSecret []byte
	EnrolledAt   int64
	LastCounter  int64
}

// Store persists enrollment records and backup-code hash sets in Redis.
type Store struct {
	redis redis.UniversalClient
}

func NewStore(redisClient redis.UniversalClient) *Store {
	return &Store{redis: redisClient}
}

func enrollmentKey(userID string) string {
	return "me:" + userID
}

func backupKey(userID string) string {
	return "mbc:" + userID
}

// GetEnrollment returns the enrollment record; users without one report
// StateDisabled.
func (s *Store) GetEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	m, err := s.redis.HGetAll(ctx, enrollmentKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(m) == 0 {
		return &Enrollment{State: StateDisabled}, nil
	}

	state := State(m["state"])
	switch state {
	case StatePendingSetup, StateEnabled:
	default:
		return &Enrollment{State: StateDisabled}, nil
	}

	enrolled, _ := strconv.ParseInt(m["enrolled"], 10, 64)
	counter, _ := strconv.ParseInt(m["counter"], 10, 64)

	return &Enrollment{
		State:        state,
		SealedSecret: []byte(m["secret"]),
		EnrolledAt:   enrolled,
		LastCounter:  counter,
	}, nil
}

// SavePending writes a pending enrollment. The WATCH guard refuses to clobber
// an enabled enrollment that appeared concurrently.
func (s *Store) SavePending(ctx context.Context, userID string, sealedSecret []byte) error {
	key := enrollmentKey(userID)

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, key, "state").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if State(state) == StateEnabled {
			return ErrStateConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"state":    string(StatePendingSetup),
				"secret":   sealedSecret,
				"enrolled": "0",
				"counter":  "-1",
			})
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Enable transitions pending_setup to enabled. The transition is a WATCH CAS:
// a concurrent disable or re-setup aborts it with ErrStateConflict.
func (s *Store) Enable(ctx context.Context, userID string, counter int64, now time.Time) error {
	key := enrollmentKey(userID)
	const maxRetries = 4

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			state, err := tx.HGet(ctx, key, "state").Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrStateConflict
				}
				return err
			}
			if State(state) != StatePendingSetup {
				return ErrStateConflict
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, map[string]interface{}{
					"state":    string(StateEnabled),
					"enrolled": strconv.FormatInt(now.Unix(), 10),
					"counter":  strconv.FormatInt(counter, 10),
				})
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrStateConflict) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil
	}

	return ErrStateConflict
}

// SetLastCounter records the newest accepted TOTP step for replay protection.
func (s *Store) SetLastCounter(ctx context.Context, userID string, counter int64) error {
	err := s.redis.HSet(ctx, enrollmentKey(userID), "counter", strconv.FormatInt(counter, 10)).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Disable discards the enrollment and every backup code.
func (s *Store) Disable(ctx context.Context, userID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, enrollmentKey(userID))
		pipe.Del(ctx, backupKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ReplaceBackupCodes swaps the full backup-code hash set.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error {
	members := make([]interface{}, 0, len(hashes))
	for _, h := range hashes {
		members = append(members, hex.EncodeToString(h[:]))
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, backupKey(userID))
		if len(members) > 0 {
			pipe.SAdd(ctx, backupKey(userID), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// ConsumeBackupCode removes the hash if present. SREM makes the
// check-and-consume a single atomic step, so a code races to exactly one
// winner.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	n, err := s.redis.SRem(ctx, backupKey(userID), hex.EncodeToString(hash[:])).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

// BackupCodesRemaining returns how many unused backup codes the user holds.
func (s *Store) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	n, err := s.redis.SCard(ctx, backupKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}
