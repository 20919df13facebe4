//go:build !linux

package capture

import (
	"context"
	"errors"
	"runtime"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/core"
)

// Source has no capture drivers on this platform; sessions run as pure
// subscribers.
type Source struct{}

func NewSource(Constraints) (*Source, error) { return &Source{}, nil }

func (s *Source) Codecs() Codecs {
	return func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
}

func (s *Source) Acquire(context.Context) (*core.LocalCapture, error) {
	return nil, core.NewError(core.KindDeviceAccess, "get user media",
		errors.New("no capture drivers for "+runtime.GOOS))
}
