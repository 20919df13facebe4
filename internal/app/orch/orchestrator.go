// Package orch is the session lifecycle manager. One actor goroutine owns
// the MediaSession and applies every transition in order; blocking work
// (provisioning, connect, capture, publish) runs outside the actor and
// posts its result back, tagged with the generation it started in.
package orch

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/app"
	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/app/negotiation"
	"github.com/dkeye/ptzlink/internal/app/ptz"
	"github.com/dkeye/ptzlink/internal/app/relay"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Provisioner core.Provisioner
	Media       core.MediaProvider
	Capture     core.CaptureSource
	Surfaces    core.SurfaceFactory
	// Transports builds direct peer transports; nil disables StartCall.
	Transports core.TransportFactory

	Registry   *app.Registry
	Relays     *relay.Manager
	Policy     app.Policy
	Dispatcher *ptz.Dispatcher
	Events     *events.Bus
}

type Orchestrator struct {
	Deps

	inbox chan func()
	done  chan struct{}

	// gen is bumped whenever the session is torn down or re-provisioned.
	// Results from an older generation are discarded on arrival.
	gen atomic.Uint64

	// Everything below is owned by the actor goroutine.
	session    domain.MediaSession
	inflight   bool
	acquiring  bool
	capture    *core.LocalCapture
	link       core.MediaLink
	linkCtx    context.Context
	linkCancel context.CancelFunc
	publishing bool
	neg        *negotiation.Negotiation
	negStreams map[string]struct{}
}

func New(deps Deps) *Orchestrator {
	if deps.Registry == nil {
		deps.Registry = app.NewRegistry()
	}
	if deps.Relays == nil {
		deps.Relays = relay.NewManager()
	}
	if deps.Policy == nil {
		deps.Policy = app.NoRetry{}
	}
	return &Orchestrator{
		Deps:  deps,
		inbox: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// Run applies queued transitions until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	log.Info().Str("module", "orch").Msg("session actor started")
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-ctx.Done():
			log.Info().Str("module", "orch").Msg("session actor stopped")
			return
		}
	}
}

// Done is closed once Run returns.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// do runs fn on the actor and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case o.inbox <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return core.ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return core.ErrClosed
	}
}

// post queues fn without waiting. Used from transport and link callbacks.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.done:
	}
}

// postIfCurrent queues fn only while generation g is still live.
func (o *Orchestrator) postIfCurrent(g uint64, fn func()) {
	o.post(func() {
		if o.gen.Load() != g {
			return
		}
		fn()
	})
}

func (o *Orchestrator) setState(s domain.ConnectionState) {
	prev := o.session.State
	if prev == s {
		return
	}
	o.session.State = s
	log.Info().
		Str("module", "orch").
		Str("session_id", o.session.ID).
		Str("from", prev.String()).
		Str("to", s.String()).
		Msg("session state")
	if o.Dispatcher != nil {
		o.Dispatcher.SetEnabled(s == domain.StateConnected)
	}
	o.Events.Publish(events.StateChanged(s))
}

func (o *Orchestrator) report(err error, advisory bool) {
	ev := log.Warn()
	if !advisory {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "orch").Str("session_id", o.session.ID).Bool("advisory", advisory).Msg("session error")
	o.Events.Publish(events.Failure(err, advisory))
}

func (o *Orchestrator) indicate() {
	o.Events.Publish(events.Indicator(o.publishing, o.Registry.Len()))
}

// View is a read-only snapshot for the presentation layer.
type View struct {
	SessionID   string                 `json:"session_id,omitempty"`
	RoomName    domain.RoomName        `json:"room_name,omitempty"`
	Role        domain.Role            `json:"role,omitempty"`
	State       domain.ConnectionState `json:"state"`
	Capture     bool                   `json:"capture"`
	Publishing  bool                   `json:"publishing"`
	Peers       []app.PeerDTO          `json:"peers"`
	Negotiation string                 `json:"negotiation,omitempty"`
	Holding     domain.Command         `json:"holding,omitempty"`
}

func (o *Orchestrator) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := o.do(ctx, func() { v = o.view() })
	return v, err
}

func (o *Orchestrator) view() View {
	v := View{
		SessionID:  o.session.ID,
		RoomName:   o.session.RoomName,
		Role:       o.session.Role,
		State:      o.session.State,
		Capture:    o.capture != nil && o.capture.Acquired,
		Publishing: o.publishing,
		Peers:      o.Registry.Snapshot(),
	}
	if o.neg != nil {
		v.Negotiation = o.neg.State().String()
	}
	if o.Dispatcher != nil {
		if cmd, ok := o.Dispatcher.Active(); ok {
			v.Holding = cmd
		}
	}
	return v
}
