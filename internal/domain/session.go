// Package domain contains session and device entities without transport logic.
package domain

import "fmt"

// ConnectionState is the lifecycle state of a MediaSession.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateProvisioning
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// MediaSession is one conferencing session.
// ID and Token are either both set or both empty.
type MediaSession struct {
	ID       string          `json:"session_id,omitempty"`
	Token    string          `json:"-"`
	RoomName RoomName        `json:"room_name,omitempty"`
	Role     Role            `json:"role,omitempty"`
	State    ConnectionState `json:"state"`
}

// HasCredentials reports whether provisioning populated the session.
func (s *MediaSession) HasCredentials() bool {
	return s.ID != "" && s.Token != ""
}

// SetCredentials populates the session atomically; a partial set is refused.
func (s *MediaSession) SetCredentials(id, token string, room RoomName) bool {
	if id == "" || token == "" || room == "" {
		return false
	}
	s.ID, s.Token, s.RoomName = id, token, room
	return true
}

// ClearCredentials drops everything provisioning handed out.
func (s *MediaSession) ClearCredentials() {
	s.ID, s.Token, s.RoomName, s.Role = "", "", "", ""
}
