// Package negotiation runs the offer/answer and candidate exchange that sets
// up a direct peer transport over an abstract signaling channel.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

var (
	ErrGlare          = errors.New("offer received while awaiting answer")
	ErrRenegotiation  = errors.New("renegotiation is not supported")
	ErrUnexpected     = errors.New("message not valid in current state")
	ErrTransportClose = errors.New("transport failed")
)

type Options struct {
	// Target tags outgoing messages when several negotiations share a channel.
	Target string
	// OnStateChange observes every transition. It runs without the lock held
	// and must not call back into the Negotiation.
	OnStateChange func(State)
	// SendTimeout bounds forwarding of one local candidate. Default 5s.
	SendTimeout time.Duration
}

const defaultSendTimeout = 5 * time.Second

// Negotiation is one offer/answer exchange. All transitions are serialized.
type Negotiation struct {
	role      Role
	target    string
	transport core.PeerTransport
	signals   core.SignalChannel
	onState   func(State)
	timeout   time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	pending     []webrtc.ICECandidateInit
	connected   bool
	transitions []State
}

// New binds a negotiation to transport and signals and wires the transport's
// local candidate and state callbacks into it.
func New(role Role, transport core.PeerTransport, signals core.SignalChannel, opts Options) *Negotiation {
	n := &Negotiation{
		role:      role,
		target:    opts.Target,
		transport: transport,
		signals:   signals,
		onState:   opts.OnStateChange,
		timeout:   opts.SendTimeout,
		logger: log.With().
			Str("module", "negotiation").
			Str("role", role.String()).
			Str("target", opts.Target).
			Logger(),
	}
	if n.timeout <= 0 {
		n.timeout = defaultSendTimeout
	}
	transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.OnLocalCandidateGenerated(ctx, c); err != nil {
			n.logger.Warn().Err(err).Msg("forward local candidate")
		}
	})
	transport.OnStateChange(n.OnTransportState)
	return n
}

func (n *Negotiation) Role() Role { return n.role }

func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Pending returns how many remote candidates are buffered.
func (n *Negotiation) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Negotiation) lock() { n.mu.Lock() }

// unlock releases the lock and then reports the transitions made under it.
func (n *Negotiation) unlock() {
	ts := n.transitions
	n.transitions = nil
	n.mu.Unlock()
	if n.onState == nil {
		return
	}
	for _, s := range ts {
		n.onState(s)
	}
}

func (n *Negotiation) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Info().Str("from", n.state.String()).Str("to", s.String()).Msg("negotiation state")
	n.state = s
	n.transitions = append(n.transitions, s)
}

// fail moves to NegotiationFailed and tears the transport down.
func (n *Negotiation) fail(op string, err error) error {
	n.setState(StateFailed)
	n.pending = nil
	if cerr := n.transport.Close(); cerr != nil {
		n.logger.Warn().Err(cerr).Msg("close transport after failure")
	}
	n.logger.Error().Err(err).Str("op", op).Msg("negotiation failed")
	return core.NewError(core.KindNegotiationFailed, op, err)
}

// Initiate creates the local offer and emits it. Caller only, from Idle.
func (n *Negotiation) Initiate(ctx context.Context) error {
	n.lock()
	defer n.unlock()
	if n.role != Caller || n.state != StateIdle {
		return fmt.Errorf("initiate as %s in %s: %w", n.role, n.state, core.ErrInvalidState)
	}
	offer, err := n.transport.CreateOffer(ctx)
	if err != nil {
		return n.fail("create offer", err)
	}
	n.local = &offer
	n.setState(StateOfferCreated)

	if err := n.signals.Send(ctx, core.SignalMessage{Kind: core.SignalOffer, Target: n.target, Description: &offer}); err != nil {
		return n.fail("send offer", err)
	}
	n.setState(StateAnswerAwaited)
	return nil
}

// OnOfferReceived applies a remote offer and emits the answer. Callee only,
// from Idle; any other offer is a protocol violation.
func (n *Negotiation) OnOfferReceived(ctx context.Context, offer webrtc.SessionDescription) error {
	n.lock()
	defer n.unlock()
	switch {
	case n.state.Terminal():
		return core.ErrClosed
	case n.state == StateAnswerAwaited:
		return n.fail("offer", ErrGlare)
	case n.state == StateNegotiated:
		return n.fail("offer", ErrRenegotiation)
	case n.role != Callee || n.state != StateIdle:
		return n.fail("offer", fmt.Errorf("%w: %s as %s", ErrUnexpected, n.state, n.role))
	}

	if err := n.transport.SetRemoteDescription(offer); err != nil {
		return n.fail("apply offer", err)
	}
	n.remote = &offer
	n.setState(StateOfferReceived)
	n.flushPending()

	answer, err := n.transport.CreateAnswer(ctx)
	if err != nil {
		return n.fail("create answer", err)
	}
	n.local = &answer
	if err := n.signals.Send(ctx, core.SignalMessage{Kind: core.SignalAnswer, Target: n.target, Description: &answer}); err != nil {
		return n.fail("send answer", err)
	}
	n.setState(StateAnswerSent)
	n.maybeNegotiated()
	return nil
}

// OnAnswerReceived applies the remote answer. Only valid while awaiting one.
func (n *Negotiation) OnAnswerReceived(_ context.Context, answer webrtc.SessionDescription) error {
	n.lock()
	defer n.unlock()
	if n.state.Terminal() {
		return core.ErrClosed
	}
	if n.state != StateAnswerAwaited || n.remote != nil {
		return n.fail("answer", fmt.Errorf("%w: answer in %s", ErrUnexpected, n.state))
	}
	if err := n.transport.SetRemoteDescription(answer); err != nil {
		return n.fail("apply answer", err)
	}
	n.remote = &answer
	n.flushPending()
	n.maybeNegotiated()
	return nil
}

// OnCandidateReceived applies a remote candidate, or buffers it in arrival
// order until the remote description is set. A candidate that fails to apply
// is reported but does not fail the negotiation.
func (n *Negotiation) OnCandidateReceived(c webrtc.ICECandidateInit) error {
	n.lock()
	defer n.unlock()
	switch {
	case n.state.Terminal():
		return core.ErrClosed
	case n.state == StateIdle:
		return fmt.Errorf("candidate before any description: %w", ErrUnexpected)
	case n.remote == nil:
		n.pending = append(n.pending, c)
		n.logger.Debug().Int("pending", len(n.pending)).Msg("buffered remote candidate")
		return nil
	}
	if err := n.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("apply candidate: %w", err)
	}
	return nil
}

// OnLocalCandidateGenerated forwards a local candidate verbatim, including
// after Negotiated (trickle).
func (n *Negotiation) OnLocalCandidateGenerated(ctx context.Context, c webrtc.ICECandidateInit) error {
	n.lock()
	defer n.unlock()
	if n.state.Terminal() {
		return core.ErrClosed
	}
	return n.signals.Send(ctx, core.SignalMessage{Kind: core.SignalCandidate, Target: n.target, Candidate: &c})
}

// OnTransportState tracks local connectivity of the underlying transport.
func (n *Negotiation) OnTransportState(s core.TransportState) {
	n.lock()
	defer n.unlock()
	if n.state.Terminal() {
		return
	}
	switch s {
	case core.TransportConnected:
		n.connected = true
		n.maybeNegotiated()
	case core.TransportFailed:
		_ = n.fail("transport", ErrTransportClose)
	case core.TransportClosed:
		n.setState(StateClosed)
		n.pending = nil
	}
}

// Close destroys the negotiation and its transport. Safe to call repeatedly.
func (n *Negotiation) Close() error {
	n.lock()
	defer n.unlock()
	if n.state == StateClosed {
		return nil
	}
	wasFailed := n.state == StateFailed
	n.setState(StateClosed)
	n.pending = nil
	if wasFailed {
		return nil
	}
	return n.transport.Close()
}

func (n *Negotiation) flushPending() {
	if len(n.pending) == 0 {
		return
	}
	queued := n.pending
	n.pending = nil
	for i, c := range queued {
		if err := n.transport.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Int("index", i).Msg("apply buffered candidate")
		}
	}
	n.logger.Debug().Int("applied", len(queued)).Msg("flushed buffered candidates")
}

func (n *Negotiation) maybeNegotiated() {
	if !n.connected || n.remote == nil || n.local == nil {
		return
	}
	if n.state == StateAnswerAwaited || n.state == StateAnswerSent {
		n.setState(StateNegotiated)
	}
}

// Handle routes one inbound signaling message to the matching operation.
func (n *Negotiation) Handle(ctx context.Context, msg core.SignalMessage) error {
	switch msg.Kind {
	case core.SignalOffer:
		if msg.Description == nil {
			return fmt.Errorf("offer without description: %w", ErrUnexpected)
		}
		return n.OnOfferReceived(ctx, *msg.Description)
	case core.SignalAnswer:
		if msg.Description == nil {
			return fmt.Errorf("answer without description: %w", ErrUnexpected)
		}
		return n.OnAnswerReceived(ctx, *msg.Description)
	case core.SignalCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate message without candidate: %w", ErrUnexpected)
		}
		return n.OnCandidateReceived(*msg.Candidate)
	}
	return fmt.Errorf("%w: kind %q", ErrUnexpected, msg.Kind)
}
