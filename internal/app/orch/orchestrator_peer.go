package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/app/negotiation"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

// StartCall makes this side the Caller of a direct peer negotiation. It
// needs a connected session whose link fell back to direct signaling.
func (o *Orchestrator) StartCall(ctx context.Context) error {
	var (
		neg      *negotiation.Negotiation
		startErr error
	)
	err := o.do(ctx, func() {
		neg, startErr = o.newNegotiationLocked(negotiation.Caller)
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	if err := neg.Initiate(ctx); err != nil {
		o.post(func() { o.onNegotiationError(neg, err) })
		return err
	}
	return nil
}

func (o *Orchestrator) newNegotiationLocked(role negotiation.Role) (*negotiation.Negotiation, error) {
	if o.session.State != domain.StateConnected {
		return nil, fmt.Errorf("negotiate in %s: %w", o.session.State, core.ErrNotConnected)
	}
	if o.link == nil || o.link.Signals() == nil || o.Transports == nil {
		return nil, fmt.Errorf("session has no direct peer signaling: %w", core.ErrInvalidState)
	}
	if o.neg != nil && !o.neg.State().Terminal() {
		return nil, fmt.Errorf("negotiation already %s: %w", o.neg.State(), core.ErrInvalidState)
	}
	if err := o.closeNegotiationLocked(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("close previous negotiation")
	}

	transport, err := o.Transports.NewTransport("peer-" + role.String())
	if err != nil {
		return nil, core.NewError(core.KindNegotiationFailed, "new transport", err)
	}
	if o.capture != nil && o.capture.Acquired {
		err = transport.AddLocalTracks(o.capture)
	} else {
		err = transport.AddReceiveOnly()
	}
	if err != nil {
		_ = transport.Close()
		return nil, core.NewError(core.KindNegotiationFailed, "prepare transport", err)
	}

	g := o.gen.Load()
	transport.OnTrack(func(s core.RemoteStream) {
		o.postIfCurrent(g, func() {
			if o.negStreams == nil {
				o.negStreams = make(map[string]struct{})
			}
			o.negStreams[s.ID()] = struct{}{}
			if err := o.onRemoteStreamAvailableLocked(s); err != nil {
				log.Debug().Err(err).Str("module", "orch").Msg("peer stream not bound")
			}
		})
	})

	var neg *negotiation.Negotiation
	neg = negotiation.New(role, transport, o.link.Signals(), negotiation.Options{
		OnStateChange: func(s negotiation.State) {
			o.Events.Publish(events.Negotiation(s.String()))
			if !s.Terminal() {
				return
			}
			// May fire on the actor itself during Close.
			go o.postIfCurrent(g, func() {
				if o.neg == neg {
					if err := o.closeNegotiationLocked(); err != nil {
						log.Warn().Err(err).Str("module", "orch").Msg("close ended negotiation")
					}
				}
			})
		},
	})
	o.neg = neg
	log.Info().Str("module", "orch").Str("role", role.String()).Msg("direct peer negotiation created")
	return neg, nil
}

// closeNegotiationLocked destroys the negotiation and the peers it produced.
func (o *Orchestrator) closeNegotiationLocked() error {
	if o.neg == nil {
		return nil
	}
	neg := o.neg
	o.neg = nil
	for id := range o.negStreams {
		o.onRemoteStreamEndedLocked(id)
	}
	o.negStreams = nil
	return neg.Close()
}

// onNegotiationError reports a failed exchange. The session stays Connected.
func (o *Orchestrator) onNegotiationError(neg *negotiation.Negotiation, err error) {
	if !errors.Is(err, core.ErrNegotiationFailed) {
		log.Warn().Err(err).Str("module", "orch").Msg("signaling message rejected")
		return
	}
	o.report(err, true)
	if o.neg == neg {
		if cerr := o.closeNegotiationLocked(); cerr != nil {
			log.Warn().Err(cerr).Str("module", "orch").Msg("close failed negotiation")
		}
	}
}

// pumpSignals delivers inbound signaling messages in channel order. An offer
// with no live negotiation makes this side the Callee.
func (o *Orchestrator) pumpSignals(ctx context.Context, g uint64, signals core.SignalChannel) {
	msgs := signals.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			o.dispatchSignal(ctx, g, msg)
		}
	}
}

func (o *Orchestrator) dispatchSignal(ctx context.Context, g uint64, msg core.SignalMessage) {
	var (
		neg  *negotiation.Negotiation
		nerr error
	)
	if err := o.do(ctx, func() {
		if o.gen.Load() != g {
			nerr = core.ErrCanceled
			return
		}
		if o.neg != nil && !o.neg.State().Terminal() {
			neg = o.neg
			return
		}
		if msg.Kind != core.SignalOffer {
			nerr = fmt.Errorf("%s with no negotiation: %w", msg.Kind, negotiation.ErrUnexpected)
			return
		}
		neg, nerr = o.newNegotiationLocked(negotiation.Callee)
	}); err != nil {
		return
	}
	if nerr != nil {
		log.Warn().Err(nerr).Str("module", "orch").Str("kind", string(msg.Kind)).Msg("signaling message dropped")
		if errors.Is(nerr, core.ErrNegotiationFailed) {
			o.postIfCurrent(g, func() { o.report(nerr, true) })
		}
		return
	}
	if err := neg.Handle(ctx, msg); err != nil {
		o.postIfCurrent(g, func() { o.onNegotiationError(neg, err) })
	}
}
