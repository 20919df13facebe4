package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SignalMessage is one offer, answer or candidate on the signaling channel.
// Target scopes the message to one negotiation when several share a channel.
type SignalMessage struct {
	Kind        SignalKind
	Target      string
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

// SignalChannel abstracts a bidirectional signaling transport.
// Messages are delivered in the order the peer sent them.
type SignalChannel interface {
	Send(ctx context.Context, msg SignalMessage) error
	Messages() <-chan SignalMessage
	Close()
}

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// PeerTransport is the direct peer media path being negotiated.
type PeerTransport interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddLocalTracks(*LocalCapture) error
	// AddReceiveOnly prepares recvonly media sections for a subscriber.
	AddReceiveOnly() error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteStream))
	OnStateChange(func(TransportState))
	Close() error
}

type TransportFactory interface {
	NewTransport(label string) (PeerTransport, error)
}
