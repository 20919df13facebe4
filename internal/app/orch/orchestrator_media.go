package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

// AcquireLocalCapture opens camera and microphone. A held capture is
// returned as is. Failure is advisory: the session may continue as a pure
// subscriber.
func (o *Orchestrator) AcquireLocalCapture(ctx context.Context) (*core.LocalCapture, error) {
	var (
		g        uint64
		held     *core.LocalCapture
		startErr error
	)
	err := o.do(ctx, func() {
		switch o.session.State {
		case domain.StateProvisioning, domain.StateConnecting, domain.StateConnected:
		default:
			startErr = fmt.Errorf("acquire capture in %s: %w", o.session.State, core.ErrInvalidState)
			return
		}
		if o.capture != nil {
			held = o.capture
			return
		}
		if o.acquiring {
			startErr = fmt.Errorf("capture already being acquired: %w", core.ErrInvalidState)
			return
		}
		if o.Capture == nil {
			startErr = core.NewError(core.KindDeviceAccess, "acquire capture", errors.New("no capture source configured"))
			o.report(startErr, true)
			return
		}
		o.acquiring = true
		g = o.gen.Load()
	})
	switch {
	case err != nil:
		return nil, err
	case startErr != nil:
		return nil, startErr
	case held != nil:
		return held, nil
	}

	c, aerr := o.Capture.Acquire(ctx)

	var result error
	err = o.do(context.WithoutCancel(ctx), func() {
		if o.gen.Load() != g {
			result = core.ErrCanceled
			return
		}
		o.acquiring = false
		if aerr != nil {
			if !errors.Is(aerr, core.ErrDeviceAccess) {
				aerr = core.NewError(core.KindDeviceAccess, "acquire capture", aerr)
			}
			o.report(aerr, true)
			result = aerr
			return
		}
		o.capture = c
		log.Info().
			Str("module", "orch").
			Str("capture_id", c.ID).
			Int("tracks", len(c.Tracks)).
			Msg("local capture acquired")
	})
	if err == nil && result == nil {
		return c, nil
	}
	if c != nil {
		if rerr := c.Release(); rerr != nil {
			log.Warn().Err(rerr).Str("module", "orch").Msg("release discarded capture")
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, result
}

// Publish attaches capture to the connected session. nil means the capture
// the session holds. Calling it before Connected is reported as a
// PublishError.
func (o *Orchestrator) Publish(ctx context.Context, capture *core.LocalCapture) error {
	var (
		g        uint64
		link     core.MediaLink
		noop     bool
		startErr error
	)
	err := o.do(ctx, func() {
		if o.session.State != domain.StateConnected {
			startErr = core.NewError(core.KindPublish, "publish", fmt.Errorf("state %s: %w", o.session.State, core.ErrNotConnected))
			o.report(startErr, true)
			return
		}
		if capture == nil {
			capture = o.capture
		}
		switch {
		case capture == nil:
			startErr = core.NewError(core.KindPublish, "publish", core.ErrNoTracks)
		case capture != o.capture:
			startErr = core.NewError(core.KindPublish, "publish", fmt.Errorf("capture %s not owned by session: %w", capture.ID, core.ErrInvalidState))
		case !capture.Acquired:
			startErr = core.NewError(core.KindPublish, "publish", fmt.Errorf("capture %s released: %w", capture.ID, core.ErrInvalidState))
		case o.publishing:
			noop = true
			return
		}
		if startErr != nil {
			o.report(startErr, true)
			return
		}
		g = o.gen.Load()
		link = o.link
	})
	switch {
	case err != nil:
		return err
	case startErr != nil:
		return startErr
	case noop:
		return nil
	}

	perr := link.Publish(ctx, capture)

	var result error
	err = o.do(context.WithoutCancel(ctx), func() {
		if o.gen.Load() != g {
			result = core.ErrCanceled
			return
		}
		if perr != nil {
			if !errors.Is(perr, core.ErrPublish) {
				perr = core.NewError(core.KindPublish, "publish", perr)
			}
			o.report(perr, true)
			result = perr
			return
		}
		o.publishing = true
		log.Info().Str("module", "orch").Str("session_id", o.session.ID).Str("capture_id", capture.ID).Msg("publishing local capture")
		o.indicate()
	})
	if err != nil {
		return err
	}
	return result
}

// OnRemoteStreamAvailable binds a remote stream to a rendering surface.
// Announcing the same stream twice is a no-op.
func (o *Orchestrator) OnRemoteStreamAvailable(ctx context.Context, stream core.RemoteStream) error {
	var result error
	err := o.do(ctx, func() { result = o.onRemoteStreamAvailableLocked(stream) })
	if err != nil {
		return err
	}
	return result
}

func (o *Orchestrator) onRemoteStreamAvailableLocked(stream core.RemoteStream) error {
	if stream == nil {
		return nil
	}
	if o.session.State != domain.StateConnected {
		return fmt.Errorf("remote stream %s in %s: %w", stream.ID(), o.session.State, core.ErrNotConnected)
	}
	id := stream.ID()
	if peer, ok := o.Registry.Get(id); ok && peer.Attached {
		log.Debug().Str("module", "orch").Str("stream_id", id).Msg("remote stream already bound")
		return nil
	}
	if o.Surfaces == nil {
		err := core.NewError(core.KindSubscribe, "bind "+id, errors.New("no surface factory"))
		o.report(err, true)
		return err
	}
	surface, err := o.Surfaces.NewSurface(stream)
	if err != nil {
		err = core.NewError(core.KindSubscribe, "bind "+id, err)
		o.report(err, true)
		return err
	}
	o.Registry.Bind(&core.RemotePeer{StreamID: id, Stream: stream, Surface: surface, Attached: true})
	o.Relays.Start(o.linkCtx, stream, surface)
	log.Info().Str("module", "orch").Str("stream_id", id).Str("kind", stream.Kind()).Msg("remote stream bound")
	o.indicate()
	return nil
}

// OnRemoteStreamEnded destroys the peer for streamID.
func (o *Orchestrator) OnRemoteStreamEnded(ctx context.Context, streamID string) error {
	return o.do(ctx, func() { o.onRemoteStreamEndedLocked(streamID) })
}

func (o *Orchestrator) onRemoteStreamEndedLocked(streamID string) {
	if err := o.Relays.Stop(streamID); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("stream_id", streamID).Msg("close surface")
	}
	if peer, ok := o.Registry.Unbind(streamID); ok {
		peer.Attached = false
		o.indicate()
	}
	delete(o.negStreams, streamID)
}
