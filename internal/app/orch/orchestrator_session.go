package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

// RequestSession provisions credentials for room. It is valid from Idle,
// Failed, or a provisioned session that has not connected yet. On failure
// the session is Failed and holds no credentials.
func (o *Orchestrator) RequestSession(ctx context.Context, room domain.RoomName, role domain.Role) (domain.MediaSession, error) {
	var (
		g        uint64
		startErr error
	)
	err := o.do(ctx, func() {
		switch o.session.State {
		case domain.StateIdle, domain.StateFailed:
		case domain.StateProvisioning:
			if o.inflight {
				startErr = fmt.Errorf("provisioning already in flight: %w", core.ErrInvalidState)
				return
			}
		default:
			startErr = fmt.Errorf("request session in %s: %w", o.session.State, core.ErrInvalidState)
			return
		}
		g = o.gen.Add(1)
		o.session.ClearCredentials()
		o.inflight = true
		o.setState(domain.StateProvisioning)
	})
	if err != nil {
		return domain.MediaSession{}, err
	}
	if startErr != nil {
		return domain.MediaSession{}, startErr
	}

	log.Info().Str("module", "orch").Str("room", string(room)).Str("role", string(role)).Msg("requesting session")
	creds, perr := o.Provisioner.Provision(ctx, room, role)

	var (
		out    domain.MediaSession
		result error
	)
	err = o.do(context.WithoutCancel(ctx), func() {
		if o.gen.Load() != g {
			result = core.ErrCanceled
			return
		}
		o.inflight = false
		if perr == nil && !o.session.SetCredentials(creds.SessionID, creds.Token, creds.RoomName) {
			perr = errors.New("provisioning response missing session_id, token or room_name")
		}
		if perr != nil {
			if !errors.Is(perr, core.ErrProvisioning) {
				perr = core.NewError(core.KindProvisioning, "request session", perr)
			}
			o.failLocked(perr)
			result = perr
			return
		}
		o.session.Role = creds.Role
		if o.session.Role == "" {
			o.session.Role = role
		}
		log.Info().
			Str("module", "orch").
			Str("session_id", o.session.ID).
			Str("room", string(o.session.RoomName)).
			Msg("session provisioned")
		out = o.session
	})
	if err != nil {
		return domain.MediaSession{}, err
	}
	return out, result
}

// Connect joins the provisioned session and blocks until the attempt
// resolves. A call while Connecting or Connected is a no-op.
func (o *Orchestrator) Connect(ctx context.Context) error {
	var (
		g        uint64
		creds    core.Credentials
		noop     bool
		startErr error
	)
	err := o.do(ctx, func() {
		switch o.session.State {
		case domain.StateConnecting, domain.StateConnected:
			noop = true
			return
		case domain.StateProvisioning:
			if o.inflight || !o.session.HasCredentials() {
				startErr = fmt.Errorf("connect before provisioning completed: %w", core.ErrNoSession)
				return
			}
		default:
			startErr = fmt.Errorf("connect in %s: %w", o.session.State, core.ErrNoSession)
			return
		}
		g = o.gen.Load()
		creds = core.Credentials{
			SessionID: o.session.ID,
			Token:     o.session.Token,
			RoomName:  o.session.RoomName,
			Role:      o.session.Role,
		}
		o.setState(domain.StateConnecting)
	})
	switch {
	case err != nil:
		return err
	case startErr != nil:
		return startErr
	case noop:
		log.Debug().Str("module", "orch").Msg("connect ignored, already connecting or connected")
		return nil
	}

	link, cerr := o.dial(ctx, g, creds)

	var result error
	err = o.do(context.WithoutCancel(ctx), func() {
		if o.gen.Load() != g {
			if link != nil {
				if err := link.Close(); err != nil {
					log.Warn().Err(err).Str("module", "orch").Msg("close discarded link")
				}
			}
			result = core.ErrCanceled
			return
		}
		if cerr != nil {
			if !errors.Is(cerr, core.ErrConnect) {
				cerr = core.NewError(core.KindConnect, "connect", cerr)
			}
			o.failLocked(cerr)
			result = cerr
			return
		}
		o.link = link
		o.linkCtx, o.linkCancel = context.WithCancel(context.Background())
		go o.pumpLink(o.linkCtx, g, link)
		if signals := link.Signals(); signals != nil {
			go o.pumpSignals(o.linkCtx, g, signals)
		}
		o.setState(domain.StateConnected)
		o.indicate()
	})
	if err != nil {
		if link != nil && errors.Is(err, core.ErrClosed) {
			_ = link.Close()
		}
		return err
	}
	return result
}

// dial runs connect attempts under the retry policy, stopping as soon as
// generation g is superseded.
func (o *Orchestrator) dial(ctx context.Context, g uint64, creds core.Credentials) (core.MediaLink, error) {
	for attempt := 1; ; attempt++ {
		link, err := o.Media.Connect(ctx, creds)
		if err == nil {
			return link, nil
		}
		retry, wait := o.Policy.OnConnectFailure(attempt, err)
		log.Warn().
			Err(err).
			Str("module", "orch").
			Str("session_id", creds.SessionID).
			Int("attempt", attempt).
			Bool("retry", retry).
			Dur("wait", wait).
			Msg("connect attempt failed")
		if !retry || o.gen.Load() != g {
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(err, ctx.Err())
		}
		if o.gen.Load() != g {
			return nil, core.ErrCanceled
		}
	}
}

// Disconnect tears the session down to Idle. Every step is attempted and
// their failures are joined. From Idle it does nothing.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	var result error
	err := o.do(ctx, func() {
		if o.session.State == domain.StateIdle {
			return
		}
		o.gen.Add(1)
		o.setState(domain.StateDisconnecting)
		result = o.teardownLocked()
		o.setState(domain.StateIdle)
		if result != nil {
			log.Warn().Err(result).Str("module", "orch").Msg("disconnect finished with errors")
		}
	})
	if err != nil {
		return err
	}
	return result
}

// failLocked moves to Failed after releasing everything the attempt held.
func (o *Orchestrator) failLocked(err error) {
	o.gen.Add(1)
	if terr := o.teardownLocked(); terr != nil {
		log.Warn().Err(terr).Str("module", "orch").Msg("cleanup after failure")
	}
	o.setState(domain.StateFailed)
	o.report(err, false)
}

// teardownLocked releases peers, negotiation, link and capture in that
// order, then clears credentials.
func (o *Orchestrator) teardownLocked() error {
	var errs []error
	o.inflight = false
	o.acquiring = false

	if err := o.Relays.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("stop relays: %w", err))
	}
	for _, p := range o.Registry.Drain() {
		p.Attached = false
	}

	if err := o.closeNegotiationLocked(); err != nil {
		errs = append(errs, fmt.Errorf("close negotiation: %w", err))
	}

	if o.linkCancel != nil {
		o.linkCancel()
		o.linkCancel = nil
	}
	if o.link != nil {
		if err := o.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
		o.link = nil
	}

	if err := o.releaseCaptureLocked(); err != nil {
		errs = append(errs, fmt.Errorf("release capture: %w", err))
	}

	o.publishing = false
	o.session.ClearCredentials()
	o.indicate()
	return errors.Join(errs...)
}

func (o *Orchestrator) releaseCaptureLocked() error {
	if o.capture == nil {
		return nil
	}
	c := o.capture
	o.capture = nil
	log.Info().Str("module", "orch").Str("capture_id", c.ID).Msg("releasing local capture")
	return c.Release()
}

// pumpLink feeds media link notifications into the actor.
func (o *Orchestrator) pumpLink(ctx context.Context, g uint64, link core.MediaLink) {
	evs := link.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				o.postIfCurrent(g, func() { o.onLinkClosed(nil) })
				return
			}
			o.postIfCurrent(g, func() { o.onLinkEvent(ev) })
			if ev.Type == core.LinkClosed {
				return
			}
		}
	}
}

func (o *Orchestrator) onLinkEvent(ev core.LinkEvent) {
	switch ev.Type {
	case core.StreamAdded:
		if err := o.onRemoteStreamAvailableLocked(ev.Stream); err != nil {
			log.Debug().Err(err).Str("module", "orch").Msg("remote stream not bound")
		}
	case core.StreamRemoved:
		o.onRemoteStreamEndedLocked(ev.StreamID)
	case core.LinkClosed:
		o.onLinkClosed(ev.Err)
	}
}

// onLinkClosed handles the media session ending from the far side.
func (o *Orchestrator) onLinkClosed(cause error) {
	if o.session.State != domain.StateConnected {
		return
	}
	if cause == nil {
		cause = errors.New("media session closed by remote")
	}
	o.gen.Add(1)
	o.setState(domain.StateDisconnecting)
	if err := o.teardownLocked(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("cleanup after link closed")
	}
	o.setState(domain.StateIdle)
	o.report(core.NewError(core.KindConnect, "link closed", cause), true)
}

// Join runs the full client flow: provision, acquire capture for publishers,
// connect, publish. Capture and publish failures leave the session connected
// as a pure subscriber.
func (o *Orchestrator) Join(ctx context.Context, room domain.RoomName, role domain.Role) (View, error) {
	if _, err := o.RequestSession(ctx, room, role); err != nil {
		return View{}, err
	}

	var capture *core.LocalCapture
	if role.Publishes() && o.Capture != nil {
		c, err := o.AcquireLocalCapture(ctx)
		switch {
		case errors.Is(err, core.ErrCanceled):
			return View{}, err
		case err != nil:
			log.Warn().Err(err).Str("module", "orch").Msg("joining without local capture")
		default:
			capture = c
		}
	}

	if err := o.Connect(ctx); err != nil {
		return View{}, err
	}

	if capture != nil {
		if err := o.Publish(ctx, capture); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("joined without publishing")
		}
	}
	return o.Snapshot(ctx)
}
