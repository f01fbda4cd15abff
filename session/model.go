package session

import (
	"strconv"
	"time"
)

// Session is the server-side record backing one refresh-token lineage.
// RefreshHash is the SHA-256 of the current refresh secret; the secret itself
// never touches storage.
type Session struct {
	SessionID   string
	UserID      string
	CompanyID   string
	Role        string
	DeviceID    string
	IP          string
	UserAgent   string
	RefreshHash [32]byte
	CreatedAt   int64
	LastSeenAt  int64
	ExpiresAt   int64
	Remember    bool
}

// Expired reports whether the session's absolute lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

// Redis hash field names. The refresh field holds the raw 32-byte hash so the
// rotation script can compare it without any decoding.
const (
	fieldUser     = "user"
	fieldCompany  = "company"
	fieldRole     = "role"
	fieldDevice   = "device"
	fieldIP       = "ip"
	fieldUA       = "ua"
	fieldRefresh  = "refresh"
	fieldCreated  = "created"
	fieldSeen     = "seen"
	fieldExpires  = "expires"
	fieldRemember = "remember"
)

func (s *Session) fields() map[string]interface{} {
	remember := "0"
	if s.Remember {
		remember = "1"
	}
	return map[string]interface{}{
		fieldUser:     s.UserID,
		fieldCompany:  s.CompanyID,
		fieldRole:     s.Role,
		fieldDevice:   s.DeviceID,
		fieldIP:       s.IP,
		fieldUA:       s.UserAgent,
		fieldRefresh:  s.RefreshHash[:],
		fieldCreated:  strconv.FormatInt(s.CreatedAt, 10),
		fieldSeen:     strconv.FormatInt(s.LastSeenAt, 10),
		fieldExpires:  strconv.FormatInt(s.ExpiresAt, 10),
		fieldRemember: remember,
	}
}

func sessionFromMap(sessionID string, m map[string]string) (*Session, error) {
	if len(m) == 0 {
		return nil, ErrSessionCorrupt
	}
	refresh := m[fieldRefresh]
	if len(refresh) != 32 {
		return nil, ErrSessionCorrupt
	}

	created, err := strconv.ParseInt(m[fieldCreated], 10, 64)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	seen, err := strconv.ParseInt(m[fieldSeen], 10, 64)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	expires, err := strconv.ParseInt(m[fieldExpires], 10, 64)
	if err != nil {
		return nil, ErrSessionCorrupt
	}

	sess := &Session{
		SessionID:  sessionID,
		UserID:     m[fieldUser],
		CompanyID:  m[fieldCompany],
		Role:       m[fieldRole],
		DeviceID:   m[fieldDevice],
		IP:         m[fieldIP],
		UserAgent:  m[fieldUA],
		CreatedAt:  created,
		LastSeenAt: seen,
		ExpiresAt:  expires,
		Remember:   m[fieldRemember] == "1",
	}
	copy(sess.RefreshHash[:], refresh)
	return sess, nil
}
