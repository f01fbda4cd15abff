package authcore

import (
	"context"
	"errors"

	"github.com/halcyonsec/authcore/risk"
)

// ListSessions returns the user's live sessions for "active sessions" style
// UIs. The directory is read only; revocation goes through RevokeSession.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	sessionIDs, err := e.sessionStore.SessionIDs(ctx, userID)
	if err != nil {
		return nil, ErrUnavailable
	}

	sessions, err := e.sessionStore.GetMany(ctx, sessionIDs)
	if err != nil {
		return nil, ErrUnavailable
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:  sess.SessionID,
			DeviceID:   sess.DeviceID,
			IP:         sess.IP,
			UserAgent:  sess.UserAgent,
			CreatedAt:  sess.CreatedAt,
			LastSeenAt: sess.LastSeenAt,
			ExpiresAt:  sess.ExpiresAt,
			Remember:   sess.Remember,
		})
	}
	return infos, nil
}

// ListDevices returns the devices the risk engine has observed for a user.
func (e *Engine) ListDevices(ctx context.Context, userID string) ([]risk.Device, error) {
	if e == nil || e.devices == nil {
		return nil, ErrEngineNotReady
	}

	devices, err := e.devices.ListForUser(ctx, userID)
	if err != nil {
		return nil, ErrUnavailable
	}
	return devices, nil
}

// TrustDevice promotes a device so it stops contributing the new-device risk
// signal. Devices are addressed by fingerprint, the same handle logins carry.
func (e *Engine) TrustDevice(ctx context.Context, userID, fingerprint string) error {
	if e == nil || e.devices == nil {
		return ErrEngineNotReady
	}

	if err := e.devices.Trust(ctx, userID, fingerprint); err != nil {
		if errors.Is(err, risk.ErrDeviceNotFound) {
			return ErrNotFound
		}
		return ErrUnavailable
	}
	return nil
}

// ForgetDevice removes a device record. The next login from it scores as a
// new device again.
func (e *Engine) ForgetDevice(ctx context.Context, userID, fingerprint string) error {
	if e == nil || e.devices == nil {
		return ErrEngineNotReady
	}

	if err := e.devices.Forget(ctx, userID, fingerprint); err != nil {
		if errors.Is(err, risk.ErrDeviceNotFound) {
			return ErrNotFound
		}
		return ErrUnavailable
	}
	return nil
}
