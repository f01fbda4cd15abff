package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis failures during risk evaluation.
var ErrBackendUnavailable = errors.New("risk backend unavailable")

// ErrDeviceNotFound is returned for lookups of unknown devices.
var ErrDeviceNotFound = errors.New("device not found")

// TrustLevel tracks how established a device is for its user.
type TrustLevel string

const (
	// TrustUnknown marks a device seen for the first time.
	TrustUnknown TrustLevel = "unknown"
	// TrustSeen marks a device that completed at least one full login.
	TrustSeen TrustLevel = "seen"
	// TrustTrusted marks a device explicitly trusted by an operator or user.
	TrustTrusted TrustLevel = "trusted"
)

// Device is one recognized (user, fingerprint) pairing.
type Device struct {
	DeviceID    string
	UserID      string
	Fingerprint string
	FirstSeenAt int64
	LastSeenAt  int64
	Trust       TrustLevel
}

// DeviceStore persists device records and per-user IP history in Redis.
type DeviceStore struct {
	redis         redis.UniversalClient
	ipHistorySize int
	ipHistoryTTL  time.Duration
}

// NewDeviceStore creates a [DeviceStore]. ipHistorySize caps the per-user IP
// list, ipHistoryTTL bounds how long an idle history survives.
func NewDeviceStore(redisClient redis.UniversalClient, ipHistorySize int, ipHistoryTTL time.Duration) *DeviceStore {
	if ipHistorySize <= 0 {
		ipHistorySize = 10
	}
	if ipHistoryTTL <= 0 {
		ipHistoryTTL = 90 * 24 * time.Hour
	}
	return &DeviceStore{
		redis:         redisClient,
		ipHistorySize: ipHistorySize,
		ipHistoryTTL:  ipHistoryTTL,
	}
}

func fingerprintDigest(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:16])
}

func (s *DeviceStore) deviceKey(userID, fpDigest string) string {
	return "rd:" + userID + ":" + fpDigest
}

func (s *DeviceStore) deviceSetKey(userID string) string {
	return "rds:" + userID
}

func (s *DeviceStore) ipHistoryKey(userID string) string {
	return "rip:" + userID
}

// Lookup returns the device record for a (user, fingerprint) pair or
// ErrDeviceNotFound.
func (s *DeviceStore) Lookup(ctx context.Context, userID, fingerprint string) (*Device, error) {
	m, err := s.redis.HGetAll(ctx, s.deviceKey(userID, fingerprintDigest(fingerprint))).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(m) == 0 {
		return nil, ErrDeviceNotFound
	}
	return deviceFromMap(userID, m)
}

// Upsert creates the device record on first sight and bumps LastSeenAt on
// every later one. It returns the stored record.
func (s *DeviceStore) Upsert(ctx context.Context, userID, fingerprint string, now time.Time) (*Device, error) {
	digest := fingerprintDigest(fingerprint)
	key := s.deviceKey(userID, digest)

	existing, err := s.Lookup(ctx, userID, fingerprint)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	if existing != nil {
		existing.LastSeenAt = now.Unix()
		if err := s.redis.HSet(ctx, key, "last", existing.LastSeenAt).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return existing, nil
	}

	device := &Device{
		DeviceID:    uuid.NewString(),
		UserID:      userID,
		Fingerprint: fingerprint,
		FirstSeenAt: now.Unix(),
		LastSeenAt:  now.Unix(),
		Trust:       TrustUnknown,
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":    device.DeviceID,
			"fp":    device.Fingerprint,
			"first": device.FirstSeenAt,
			"last":  device.LastSeenAt,
			"trust": string(device.Trust),
		})
		pipe.SAdd(ctx, s.deviceSetKey(userID), digest)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return device, nil
}

// MarkSeen promotes an unknown device to seen after a successful full login.
func (s *DeviceStore) MarkSeen(ctx context.Context, userID, fingerprint string) error {
	return s.setTrust(ctx, userID, fingerprint, TrustSeen, func(current TrustLevel) bool {
		return current == TrustUnknown
	})
}

// Trust explicitly marks a device as trusted.
func (s *DeviceStore) Trust(ctx context.Context, userID, fingerprint string) error {
	return s.setTrust(ctx, userID, fingerprint, TrustTrusted, func(TrustLevel) bool { return true })
}

func (s *DeviceStore) setTrust(
	ctx context.Context,
	userID, fingerprint string,
	next TrustLevel,
	allowed func(TrustLevel) bool,
) error {
	device, err := s.Lookup(ctx, userID, fingerprint)
	if err != nil {
		return err
	}
	if !allowed(device.Trust) {
		return nil
	}
	key := s.deviceKey(userID, fingerprintDigest(fingerprint))
	if err := s.redis.HSet(ctx, key, "trust", string(next)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Forget removes a device record. Unknown devices report
// ErrDeviceNotFound.
func (s *DeviceStore) Forget(ctx context.Context, userID, fingerprint string) error {
	digest := fingerprintDigest(fingerprint)
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.deviceKey(userID, digest))
		pipe.SRem(ctx, s.deviceSetKey(userID), digest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if removed.Val() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListForUser returns every recorded device for a user.
func (s *DeviceStore) ListForUser(ctx context.Context, userID string) ([]Device, error) {
	digests, err := s.redis.SMembers(ctx, s.deviceSetKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Device{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	devices := make([]Device, 0, len(digests))
	for _, digest := range digests {
		m, err := s.redis.HGetAll(ctx, s.deviceKey(userID, digest)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if len(m) == 0 {
			continue
		}
		device, err := deviceFromMap(userID, m)
		if err != nil {
			continue
		}
		devices = append(devices, *device)
	}

	return devices, nil
}

type ipObservation struct {
	ip   string
	seen int64
}

// RecordIP appends an IP observation to the user's capped history list.
func (s *DeviceStore) RecordIP(ctx context.Context, userID, ip string, now time.Time) error {
	if ip == "" {
		return nil
	}
	key := s.ipHistoryKey(userID)
	entry := strconv.FormatInt(now.Unix(), 10) + "|" + ip

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, entry)
		pipe.LTrim(ctx, key, 0, int64(s.ipHistorySize-1))
		pipe.Expire(ctx, key, s.ipHistoryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// recentIPs returns observations newest first.
func (s *DeviceStore) recentIPs(ctx context.Context, userID string) ([]ipObservation, error) {
	entries, err := s.redis.LRange(ctx, s.ipHistoryKey(userID), 0, int64(s.ipHistorySize-1)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	observations := make([]ipObservation, 0, len(entries))
	for _, entry := range entries {
		sep := strings.IndexByte(entry, '|')
		if sep <= 0 {
			continue
		}
		seen, err := strconv.ParseInt(entry[:sep], 10, 64)
		if err != nil {
			continue
		}
		observations = append(observations, ipObservation{ip: entry[sep+1:], seen: seen})
	}
	return observations, nil
}

func deviceFromMap(userID string, m map[string]string) (*Device, error) {
	first, err := strconv.ParseInt(m["first"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad device record", ErrBackendUnavailable)
	}
	last, err := strconv.ParseInt(m["last"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad device record", ErrBackendUnavailable)
	}

	trust := TrustLevel(m["trust"])
	switch trust {
	case TrustUnknown, TrustSeen, TrustTrusted:
	default:
		trust = TrustUnknown
	}

	return &Device{
		DeviceID:    m["id"],
		UserID:      userID,
		Fingerprint: m["fp"],
		FirstSeenAt: first,
		LastSeenAt:  last,
		Trust:       trust,
	}, nil
}
