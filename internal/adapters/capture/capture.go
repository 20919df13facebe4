// Package capture opens the local camera and microphone.
package capture

import (
	"github.com/pion/webrtc/v4"
)

// Constraints bound what is asked from the camera.
type Constraints struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func (c Constraints) withDefaults() Constraints {
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = 1_500_000
	}
	return c
}

// attempt is one GetUserMedia try. Devices fail as a unit, so a missing
// microphone must not cost the camera and vice versa.
type attempt struct {
	video bool
	audio bool
	label string
}

var attempts = []attempt{
	{true, true, "video+audio"},
	{true, false, "video-only"},
	{false, true, "audio-only"},
}

// Codecs registers what the source encodes with, for the peer transports.
type Codecs func(*webrtc.MediaEngine) error
