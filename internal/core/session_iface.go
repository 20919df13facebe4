package core

import (
	"context"

	"github.com/dkeye/ptzlink/internal/domain"
)

// Credentials are what the provisioning service hands out for one session.
type Credentials struct {
	SessionID string
	Token     string
	RoomName  domain.RoomName
	Role      domain.Role
}

// Provisioner fetches session credentials from the external service.
type Provisioner interface {
	Provision(ctx context.Context, room domain.RoomName, role domain.Role) (Credentials, error)
}

// DeviceClient delivers one discrete command to the PTZ endpoint.
type DeviceClient interface {
	Send(ctx context.Context, cmd domain.Command) error
}
