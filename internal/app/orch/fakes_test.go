package orch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/app/ptz"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

type fakeProvisioner struct {
	creds core.Credentials
	err   error
	gate  chan struct{} // when set, Provision waits for it
	calls chan struct{}
}

func (p *fakeProvisioner) Provision(ctx context.Context, room domain.RoomName, role domain.Role) (core.Credentials, error) {
	if p.calls != nil {
		p.calls <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	return p.creds, p.err
}

type fakeLink struct {
	mu         sync.Mutex
	events     chan core.LinkEvent
	signals    core.SignalChannel
	publishErr error
	published  int
	closed     int
}

func newFakeLink() *fakeLink { return &fakeLink{events: make(chan core.LinkEvent, 8)} }

func (l *fakeLink) Publish(ctx context.Context, c *core.LocalCapture) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.publishErr != nil {
		return l.publishErr
	}
	l.published++
	return nil
}

func (l *fakeLink) Events() <-chan core.LinkEvent { return l.events }
func (l *fakeLink) Signals() core.SignalChannel   { return l.signals }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) counts() (published, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published, l.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	link     *fakeLink
	failures int // fail this many attempts before succeeding
	err      error
	attempts int
	gate     chan struct{}
	calls    chan struct{}
}

func (m *fakeMedia) Connect(ctx context.Context, creds core.Credentials) (core.MediaLink, error) {
	if m.calls != nil {
		m.calls <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil || m.attempts <= m.failures {
		if m.err != nil {
			return nil, m.err
		}
		return nil, errors.New("media service busy")
	}
	return m.link, nil
}

func (m *fakeMedia) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (c *fakeCapture) Acquire(ctx context.Context) (*core.LocalCapture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.acquired++
	return core.NewLocalCapture("cap-1", nil, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.released++
		return nil
	}), nil
}

func (c *fakeCapture) counts() (acquired, released int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired, c.released
}

type fakeStream struct {
	id   string
	stop chan struct{}
}

func newFakeStream(t *testing.T, id string) *fakeStream {
	s := &fakeStream{id: id, stop: make(chan struct{})}
	t.Cleanup(func() { close(s.stop) })
	return s
}

func (s *fakeStream) ID() string   { return s.id }
func (s *fakeStream) Kind() string { return "video" }
func (s *fakeStream) ReadRTP() (*rtp.Packet, error) {
	<-s.stop
	return nil, io.EOF
}

type nopSurface struct{}

func (nopSurface) WriteRTP(*rtp.Packet) error { return nil }
func (nopSurface) Close() error               { return nil }

type fakeSurfaces struct {
	mu      sync.Mutex
	created int
}

func (f *fakeSurfaces) NewSurface(core.RemoteStream) (core.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return nopSurface{}, nil
}

func (f *fakeSurfaces) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type nopDevice struct{}

func (nopDevice) Send(context.Context, domain.Command) error { return nil }

// signal channel and transport for the direct peer path

type fakeChannel struct {
	mu   sync.Mutex
	in   chan core.SignalMessage
	sent []core.SignalMessage
}

func newFakeChannel() *fakeChannel { return &fakeChannel{in: make(chan core.SignalMessage, 8)} }

func (c *fakeChannel) Send(_ context.Context, msg core.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
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

type fakeTransport struct {
	mu      sync.Mutex
	closed  int
	recv    bool
	local   bool
	onTrack func(core.RemoteStream)
}

func (f *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (f *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error       { return nil }

func (f *fakeTransport) AddLocalTracks(*core.LocalCapture) error {
	f.mu.Lock()
	f.local = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddReceiveOnly() error {
	f.mu.Lock()
	f.recv = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (f *fakeTransport) OnStateChange(func(core.TransportState))     {}

func (f *fakeTransport) OnTrack(fn func(core.RemoteStream)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

type fakeTransports struct {
	mu    sync.Mutex
	built []*fakeTransport
}

func (f *fakeTransports) NewTransport(string) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{}
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *fakeTransports) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

type harness struct {
	o          *Orchestrator
	prov       *fakeProvisioner
	media      *fakeMedia
	link       *fakeLink
	capture    *fakeCapture
	surfaces   *fakeSurfaces
	transports *fakeTransports
	dispatcher *ptz.Dispatcher
	bus        *events.Bus
}

func goodCreds() core.Credentials {
	return core.Credentials{SessionID: "s1", Token: "t1", RoomName: "r1", Role: domain.RolePublisher}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		prov:       &fakeProvisioner{creds: goodCreds()},
		link:       newFakeLink(),
		capture:    &fakeCapture{},
		surfaces:   &fakeSurfaces{},
		transports: &fakeTransports{},
		bus:        events.NewBus(256),
	}
	h.media = &fakeMedia{link: h.link}
	h.dispatcher = ptz.NewDispatcher(nopDevice{}, ptz.Options{RepeatInterval: time.Hour})
	h.o = New(Deps{
		Provisioner: h.prov,
		Media:       h.media,
		Capture:     h.capture,
		Surfaces:    h.surfaces,
		Transports:  h.transports,
		Dispatcher:  h.dispatcher,
		Events:      h.bus,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.o.Done()
	})
	return h
}

func (h *harness) state(t *testing.T) domain.ConnectionState {
	t.Helper()
	v, err := h.o.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return v.State
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
