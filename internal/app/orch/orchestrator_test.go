package orch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/app"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

func TestJoinConnectsAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.o.Join(ctx, "r1", domain.RolePublisher)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if v.State != domain.StateConnected {
		t.Fatalf("expected Connected, got %s", v.State)
	}
	if v.SessionID != "s1" || v.RoomName != "r1" {
		t.Fatalf("unexpected session %+v", v)
	}
	if !v.Capture || !v.Publishing {
		t.Fatalf("expected capture published, got %+v", v)
	}
	if acquired, _ := h.capture.counts(); acquired != 1 {
		t.Fatalf("expected one capture, got %d", acquired)
	}
	if published, _ := h.link.counts(); published != 1 {
		t.Fatalf("expected one publish, got %d", published)
	}
}

func TestExplicitFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.o.RequestSession(ctx, "r1", domain.RolePublisher)
	if err != nil {
		t.Fatalf("request session: %v", err)
	}
	if s.ID != "s1" || s.Token != "t1" || s.State != domain.StateProvisioning {
		t.Fatalf("unexpected session %+v", s)
	}
	if err := h.o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c, err := h.o.AcquireLocalCapture(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	again, err := h.o.AcquireLocalCapture(ctx)
	if err != nil || again != c {
		t.Fatalf("second acquire should return the held capture, got %v %v", again, err)
	}
	if err := h.o.Publish(ctx, c); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.o.Publish(ctx, nil); err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}
	if got := h.state(t); got != domain.StateConnected {
		t.Fatalf("expected Connected, got %s", got)
	}
	if acquired, _ := h.capture.counts(); acquired != 1 {
		t.Fatalf("expected one capture, got %d", acquired)
	}
	if published, _ := h.link.counts(); published != 1 {
		t.Fatalf("expected one publish, got %d", published)
	}
}

func TestMissingTokenFailsProvisioning(t *testing.T) {
	h := newHarness(t)
	h.prov.creds = core.Credentials{SessionID: "s1", RoomName: "r1"}

	_, err := h.o.RequestSession(context.Background(), "r1", domain.RolePublisher)
	if !errors.Is(err, core.ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
	v, err := h.o.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.State != domain.StateFailed {
		t.Fatalf("expected Failed, got %s", v.State)
	}
	if v.SessionID != "" || v.RoomName != "" {
		t.Fatalf("no session fields should be populated, got %+v", v)
	}
	if err := h.o.Connect(context.Background()); !errors.Is(err, core.ErrNoSession) {
		t.Fatalf("connect after failed provisioning should be refused, got %v", err)
	}
}

func TestProvisioningTransportError(t *testing.T) {
	h := newHarness(t)
	h.prov.err = errors.New("dial tcp: connection refused")

	_, err := h.o.RequestSession(context.Background(), "r1", domain.RoleSubscriber)
	if !errors.Is(err, core.ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}

	// Failed goes back to Provisioning only through a new request.
	h.prov.err = nil
	if _, err := h.o.RequestSession(context.Background(), "r1", domain.RoleSubscriber); err != nil {
		t.Fatalf("retry request: %v", err)
	}
	if got := h.state(t); got != domain.StateProvisioning {
		t.Fatalf("expected Provisioning, got %s", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, cancel := h.bus.Subscribe()
	defer cancel()
	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect from idle: %v", err)
	}
	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatalf("second disconnect from idle: %v", err)
	}
	if got := h.state(t); got != domain.StateIdle {
		t.Fatalf("expected Idle, got %s", got)
	}
	select {
	case ev := <-sub:
		t.Fatalf("idle disconnect emitted %+v", ev)
	default:
	}

	if _, err := h.o.Join(ctx, "r1", domain.RolePublisher); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatalf("repeat disconnect: %v", err)
	}
	_, released := h.capture.counts()
	_, closed := h.link.counts()
	if released != 1 || closed != 1 {
		t.Fatalf("expected one release and one close, got %d %d", released, closed)
	}
	v, _ := h.o.Snapshot(ctx)
	if v.State != domain.StateIdle || v.SessionID != "" || v.Capture || v.Publishing || len(v.Peers) != 0 {
		t.Fatalf("session not cleared: %+v", v)
	}
}

func TestDisconnectDuringConnectDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.media.gate = make(chan struct{})
	h.media.calls = make(chan struct{}, 1)

	if _, err := h.o.RequestSession(ctx, "r1", domain.RolePublisher); err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.AcquireLocalCapture(ctx); err != nil {
		t.Fatal(err)
	}

	connectErr := make(chan error, 1)
	go func() { connectErr <- h.o.Connect(ctx) }()
	<-h.media.calls

	if got := h.state(t); got != domain.StateConnecting {
		t.Fatalf("expected Connecting, got %s", got)
	}
	// Duplicate trigger while connecting.
	if err := h.o.Connect(ctx); err != nil {
		t.Fatalf("duplicate connect: %v", err)
	}

	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := h.state(t); got != domain.StateIdle {
		t.Fatalf("expected Idle, got %s", got)
	}
	if _, released := h.capture.counts(); released != 1 {
		t.Fatalf("capture should be released, got %d", released)
	}

	close(h.media.gate)
	select {
	case err := <-connectErr:
		if !errors.Is(err, core.ErrCanceled) {
			t.Fatalf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	if _, closed := h.link.counts(); closed != 1 {
		t.Fatalf("late link should be closed, got %d", closed)
	}
	if got := h.state(t); got != domain.StateIdle {
		t.Fatalf("late result applied: %s", got)
	}
	if h.media.count() != 1 {
		t.Fatalf("expected one connect attempt, got %d", h.media.count())
	}
}

func TestDisconnectDuringProvisioning(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	h.prov.calls = make(chan struct{}, 1)

	reqErr := make(chan error, 1)
	go func() {
		_, err := h.o.RequestSession(context.Background(), "r1", domain.RolePublisher)
		reqErr <- err
	}()
	<-h.prov.calls

	if err := h.o.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(h.prov.gate)
	if err := <-reqErr; !errors.Is(err, core.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	v, _ := h.o.Snapshot(context.Background())
	if v.State != domain.StateIdle || v.SessionID != "" {
		t.Fatalf("late credentials applied: %+v", v)
	}
}

func TestConnectFailureReleasesCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.media.err = errors.New("401 unauthorized")

	if _, err := h.o.RequestSession(ctx, "r1", domain.RolePublisher); err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.AcquireLocalCapture(ctx); err != nil {
		t.Fatal(err)
	}
	err := h.o.Connect(ctx)
	if !errors.Is(err, core.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	v, _ := h.o.Snapshot(ctx)
	if v.State != domain.StateFailed || v.SessionID != "" || v.Capture {
		t.Fatalf("unexpected view after failure: %+v", v)
	}
	if _, released := h.capture.counts(); released != 1 {
		t.Fatalf("capture must be released on failure, got %d", released)
	}
}

func TestConnectRetriesWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.o.Policy = app.Backoff{Retries: 2, Base: time.Millisecond}
	h.media.failures = 2

	if _, err := h.o.Join(context.Background(), "r1", domain.RoleSubscriber); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := h.media.count(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCaptureFailureIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.capture.err = errors.New("permission denied")

	v, err := h.o.Join(context.Background(), "r1", domain.RolePublisher)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if v.State != domain.StateConnected || v.Capture || v.Publishing {
		t.Fatalf("expected a pure subscriber, got %+v", v)
	}
}

func TestPublishBeforeConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.o.RequestSession(ctx, "r1", domain.RolePublisher); err != nil {
		t.Fatal(err)
	}
	c, err := h.o.AcquireLocalCapture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.o.Publish(ctx, c); !errors.Is(err, core.ErrPublish) || !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrPublish wrapping ErrNotConnected, got %v", err)
	}
	if got := h.state(t); got != domain.StateProvisioning {
		t.Fatalf("state changed: %s", got)
	}
}

func TestPublishRejectedIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.link.publishErr = errors.New("stream rejected")

	v, err := h.o.Join(context.Background(), "r1", domain.RolePublisher)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if v.State != domain.StateConnected || v.Publishing {
		t.Fatalf("unexpected view %+v", v)
	}
	if err := h.o.Publish(context.Background(), nil); !errors.Is(err, core.ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}

func TestRemoteStreamAnnouncedTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.o.Join(ctx, "r1", domain.RoleSubscriber); err != nil {
		t.Fatal(err)
	}

	s := newFakeStream(t, "remote-1")
	if err := h.o.OnRemoteStreamAvailable(ctx, s); err != nil {
		t.Fatalf("first announcement: %v", err)
	}
	if err := h.o.OnRemoteStreamAvailable(ctx, s); err != nil {
		t.Fatalf("second announcement: %v", err)
	}
	if got := h.surfaces.count(); got != 1 {
		t.Fatalf("expected one surface, got %d", got)
	}
	v, _ := h.o.Snapshot(ctx)
	if len(v.Peers) != 1 || !v.Peers[0].Attached {
		t.Fatalf("unexpected peers %+v", v.Peers)
	}

	h.link.events <- core.LinkEvent{Type: core.StreamAdded, Stream: newFakeStream(t, "remote-2")}
	eventually(t, "second peer", func() bool {
		v, _ := h.o.Snapshot(ctx)
		return len(v.Peers) == 2
	})

	h.link.events <- core.LinkEvent{Type: core.StreamRemoved, StreamID: "remote-1"}
	eventually(t, "peer removed", func() bool {
		v, _ := h.o.Snapshot(ctx)
		return len(v.Peers) == 1 && v.Peers[0].StreamID == "remote-2"
	})

	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	v, _ = h.o.Snapshot(ctx)
	if len(v.Peers) != 0 || h.o.Relays.Has("remote-2") {
		t.Fatalf("peers survived disconnect: %+v", v.Peers)
	}
}

func TestRemoteStreamBeforeConnected(t *testing.T) {
	h := newHarness(t)
	err := h.o.OnRemoteStreamAvailable(context.Background(), newFakeStream(t, "x"))
	if !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDispatcherGatedBySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if h.dispatcher.Enabled() {
		t.Fatal("dispatcher enabled before connect")
	}
	if _, err := h.o.Join(ctx, "r1", domain.RoleSubscriber); err != nil {
		t.Fatal(err)
	}
	if !h.dispatcher.Enabled() {
		t.Fatal("dispatcher should be enabled once connected")
	}
	if err := h.dispatcher.StartHold(domain.CmdUpStart); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if h.dispatcher.Enabled() {
		t.Fatal("dispatcher should be disabled after disconnect")
	}
	if _, ok := h.dispatcher.Active(); ok {
		t.Fatal("hold survived disconnect")
	}
}

func TestLinkClosedByRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.o.Join(ctx, "r1", domain.RolePublisher); err != nil {
		t.Fatal(err)
	}
	h.link.events <- core.LinkEvent{Type: core.LinkClosed, Err: errors.New("kicked")}
	eventually(t, "idle after remote close", func() bool { return h.state(t) == domain.StateIdle })
	if _, released := h.capture.counts(); released != 1 {
		t.Fatalf("capture should be released, got %d", released)
	}
}

func TestRequestSessionWhileConnected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.o.Join(context.Background(), "r1", domain.RoleSubscriber); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.RequestSession(context.Background(), "r2", domain.RoleSubscriber)
	if !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDirectPeerPath(t *testing.T) {
	t.Run("incoming offer makes callee", func(t *testing.T) {
		h := newHarness(t)
		ch := newFakeChannel()
		h.link.signals = ch
		ctx := context.Background()
		if _, err := h.o.Join(ctx, "r1", domain.RoleSubscriber); err != nil {
			t.Fatal(err)
		}

		ch.in <- core.SignalMessage{Kind: core.SignalOffer, Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}}
		eventually(t, "answer sent", func() bool {
			k := ch.kinds()
			return len(k) == 1 && k[0] == core.SignalAnswer
		})
		tr := h.transports.last()
		if tr == nil {
			t.Fatal("no transport built")
		}
		tr.mu.Lock()
		recv, onTrack := tr.recv, tr.onTrack
		tr.mu.Unlock()
		if !recv {
			t.Fatal("subscriber transport should be receive only")
		}
		onTrack(newFakeStream(t, "peer-video"))
		eventually(t, "peer stream bound", func() bool {
			v, _ := h.o.Snapshot(ctx)
			return len(v.Peers) == 1
		})

		// A second offer after negotiation is a protocol violation. The
		// session stays connected and the negotiation is destroyed.
		ch.in <- core.SignalMessage{Kind: core.SignalOffer, Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "again"}}
		eventually(t, "negotiation destroyed", func() bool {
			v, _ := h.o.Snapshot(ctx)
			return v.Negotiation == "" && len(v.Peers) == 0
		})
		if got := h.state(t); got != domain.StateConnected {
			t.Fatalf("expected Connected, got %s", got)
		}
	})

	t.Run("start call makes caller", func(t *testing.T) {
		h := newHarness(t)
		ch := newFakeChannel()
		h.link.signals = ch
		ctx := context.Background()
		if _, err := h.o.Join(ctx, "r1", domain.RolePublisher); err != nil {
			t.Fatal(err)
		}
		if err := h.o.StartCall(ctx); err != nil {
			t.Fatalf("start call: %v", err)
		}
		if k := ch.kinds(); len(k) != 1 || k[0] != core.SignalOffer {
			t.Fatalf("expected an offer, got %v", k)
		}
		caller := h.transports.last()
		caller.mu.Lock()
		local := caller.local
		caller.mu.Unlock()
		if !local {
			t.Fatal("publisher transport should carry local tracks")
		}
		if err := h.o.StartCall(ctx); !errors.Is(err, core.ErrInvalidState) {
			t.Fatalf("second call should be refused, got %v", err)
		}

		if err := h.o.Disconnect(ctx); err != nil {
			t.Fatal(err)
		}
		tr := h.transports.last()
		tr.mu.Lock()
		closed := tr.closed
		tr.mu.Unlock()
		if closed != 1 {
			t.Fatalf("transport should be closed once, got %d", closed)
		}
	})

	t.Run("no signaling", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.o.Join(context.Background(), "r1", domain.RoleSubscriber); err != nil {
			t.Fatal(err)
		}
		if err := h.o.StartCall(context.Background()); !errors.Is(err, core.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})
}
