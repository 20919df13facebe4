package domain

import (
	"errors"
	"fmt"
)

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrUnknownRole     = errors.New("unknown role")
)

type RoomName string

// NewRoomName validates a human-readable room label.
func NewRoomName(raw string) (RoomName, error) {
	if len(raw) == 0 {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

// Role is what the provisioning service grants this participant.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePublisher, RoleSubscriber:
		return Role(s), nil
	case "":
		return RolePublisher, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Publishes reports whether the role sends local media.
func (r Role) Publishes() bool { return r == RolePublisher }
