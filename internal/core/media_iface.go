package core

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalCapture owns the local camera and microphone tracks.
// Only the session lifecycle manager acquires or releases it.
type LocalCapture struct {
	ID       string
	Tracks   []webrtc.TrackLocal
	Acquired bool

	once    sync.Once
	release func() error
	err     error
}

func NewLocalCapture(id string, tracks []webrtc.TrackLocal, release func() error) *LocalCapture {
	return &LocalCapture{ID: id, Tracks: tracks, Acquired: true, release: release}
}

// Release returns the device handle; repeated calls are no-ops.
func (c *LocalCapture) Release() error {
	c.once.Do(func() {
		c.Acquired = false
		if c.release != nil {
			c.err = c.release()
		}
	})
	return c.err
}

// CaptureSource acquires camera+microphone access.
type CaptureSource interface {
	Acquire(ctx context.Context) (*LocalCapture, error)
}

// RemoteStream is an incoming participant stream. ID is stable for the
// lifetime of the stream and is used for identity comparison.
type RemoteStream interface {
	ID() string
	Kind() string
	ReadRTP() (*rtp.Packet, error)
}

// Surface is where a remote stream is rendered.
type Surface interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// SurfaceFactory is supplied by the presentation layer.
type SurfaceFactory interface {
	NewSurface(stream RemoteStream) (Surface, error)
}

// RemotePeer is a subscribed remote stream bound to a surface.
type RemotePeer struct {
	StreamID string
	Stream   RemoteStream
	Surface  Surface
	Attached bool
}

type LinkEventType int

const (
	StreamAdded LinkEventType = iota
	StreamRemoved
	LinkClosed
)

type LinkEvent struct {
	Type     LinkEventType
	Stream   RemoteStream
	StreamID string
	Err      error
}

// MediaLink is a connected media session.
type MediaLink interface {
	// Publish attaches the capture as an outgoing stream.
	Publish(ctx context.Context, capture *LocalCapture) error
	// Events delivers remote stream notifications. LinkClosed is the last one.
	Events() <-chan LinkEvent
	// Signals is non-nil when the session falls back to direct peer signaling.
	Signals() SignalChannel
	Close() error
}

// MediaProvider connects to the external media-session service.
type MediaProvider interface {
	Connect(ctx context.Context, creds Credentials) (MediaLink, error)
}

var ErrNoTracks = errors.New("capture has no tracks")
