package negotiation

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/core"
)

type fakeTransport struct {
	mu        sync.Mutex
	remote    *webrtc.SessionDescription
	applied   []string
	closed    int
	failAdd   map[string]bool
	offerErr  error
	onICE     func(webrtc.ICECandidateInit)
	onState   func(core.TransportState)
	onTrack   func(core.RemoteStream)
	tracksSet int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failAdd: make(map[string]bool)}
}

func (f *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	if f.failAdd[c.Candidate] {
		return errors.New("malformed candidate")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeTransport) AddLocalTracks(*core.LocalCapture) error { f.tracksSet++; return nil }
func (f *fakeTransport) AddReceiveOnly() error                   { return nil }

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeTransport) OnTrack(fn func(core.RemoteStream))             { f.onTrack = fn }
func (f *fakeTransport) OnStateChange(fn func(core.TransportState))     { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []core.SignalMessage
	err   error
	in    chan core.SignalMessage
	// stuck makes Send wait for its context, like a socket that stopped writing.
	stuck bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan core.SignalMessage, 16)}
}

func (c *fakeChannel) Send(ctx context.Context, msg core.SignalMessage) error {
	c.mu.Lock()
	stuck := c.stuck
	c.mu.Unlock()
	if stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Messages() <-chan core.SignalMessage { return c.in }
func (c *fakeChannel) Close()                              {}

func (c *fakeChannel) kinds() []core.SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.SignalKind, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Kind)
	}
	return out
}

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

func answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}
