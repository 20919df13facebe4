package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported to the presentation layer.
type ErrorKind string

const (
	KindProvisioning      ErrorKind = "provisioning"
	KindConnect           ErrorKind = "connect"
	KindDeviceAccess      ErrorKind = "device_access"
	KindPublish           ErrorKind = "publish"
	KindSubscribe         ErrorKind = "subscribe"
	KindNegotiationFailed ErrorKind = "negotiation_failed"
	KindDeviceUnreachable ErrorKind = "device_unreachable"
)

// Error carries a kind so callers can match with errors.Is against the
// sentinels below regardless of the operation or cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrProvisioning      = &Error{Kind: KindProvisioning}
	ErrConnect           = &Error{Kind: KindConnect}
	ErrDeviceAccess      = &Error{Kind: KindDeviceAccess}
	ErrPublish           = &Error{Kind: KindPublish}
	ErrSubscribe         = &Error{Kind: KindSubscribe}
	ErrNegotiationFailed = &Error{Kind: KindNegotiationFailed}
	ErrDeviceUnreachable = &Error{Kind: KindDeviceUnreachable}
)

var (
	ErrInvalidState = errors.New("invalid state")
	ErrNotConnected = errors.New("session not connected")
	ErrCanceled     = errors.New("superseded by disconnect")
	ErrClosed       = errors.New("closed")
	ErrNoSession    = errors.New("no provisioned session")
)

// NewError wraps err with a kind and the failing operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
