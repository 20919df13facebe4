package rtc

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack exposes a pion remote track as a core.RemoteStream.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

func NewRemoteTrack(t *webrtc.TrackRemote) *RemoteTrack { return &RemoteTrack{track: t} }

// ID joins stream and track ids so audio and video of one participant stay
// distinct.
func (t *RemoteTrack) ID() string   { return t.track.StreamID() + "/" + t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

// MimeType is the negotiated codec, e.g. video/VP8.
func (t *RemoteTrack) MimeType() string { return t.track.Codec().MimeType }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
