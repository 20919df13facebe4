package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/adapters/signal"
	"github.com/dkeye/ptzlink/internal/app/negotiation"
	"github.com/dkeye/ptzlink/internal/core"
)

const (
	targetSub = "sub"
	targetPub = "pub"
)

// baseLink carries the socket and the event stream shared by both modes.
type baseLink struct {
	conn    *signal.Conn
	events  chan core.LinkEvent
	closing chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

func newBaseLink(conn *signal.Conn, mode string) *baseLink {
	return &baseLink{
		conn:    conn,
		events:  make(chan core.LinkEvent, 16),
		closing: make(chan struct{}),
		logger:  log.With().Str("module", "room").Str("mode", mode).Logger(),
	}
}

func (l *baseLink) Events() <-chan core.LinkEvent { return l.events }

func (l *baseLink) emit(ev core.LinkEvent) {
	select {
	case l.events <- ev:
	case <-l.closing:
	}
}

// watch turns control notices and socket loss into link events.
func (l *baseLink) watch() {
	for {
		select {
		case <-l.closing:
			return
		case env, ok := <-l.conn.Notices():
			if !ok {
				err := l.conn.Err()
				if err == nil {
					err = errors.New("signaling socket closed")
				}
				l.emit(core.LinkEvent{Type: core.LinkClosed, Err: err})
				return
			}
			switch env.Type {
			case signal.TypeStreamRemoved:
				l.emit(core.LinkEvent{Type: core.StreamRemoved, StreamID: env.StreamID})
			case signal.TypeLeave:
				l.emit(core.LinkEvent{Type: core.LinkClosed, Err: errors.New("removed from room")})
				return
			case signal.TypeError:
				l.logger.Warn().Str("error", env.Error).Msg("media service error")
			default:
				l.logger.Debug().Str("type", env.Type).Msg("notice ignored")
			}
		}
	}
}

// shutdown says goodbye and closes the socket once.
func (l *baseLink) shutdown() bool {
	first := false
	l.once.Do(func() {
		first = true
		close(l.closing)
		if err := l.conn.TrySend(signal.Envelope{Type: signal.TypeLeave}); err != nil {
			l.logger.Debug().Err(err).Msg("leave not sent")
		}
		l.conn.Close()
	})
	return first
}

// p2pLink hands the socket to the session for direct peer negotiation.
type p2pLink struct {
	*baseLink
}

func newP2PLink(conn *signal.Conn) *p2pLink {
	l := &p2pLink{baseLink: newBaseLink(conn, ModeP2P)}
	go l.watch()
	return l
}

// Publish is satisfied by the direct transport, which carries the capture
// tracks once a call is negotiated.
func (l *p2pLink) Publish(_ context.Context, c *core.LocalCapture) error {
	if c == nil || len(c.Tracks) == 0 {
		return core.ErrNoTracks
	}
	l.logger.Info().Str("capture_id", c.ID).Msg("capture will ride the direct transport")
	return nil
}

func (l *p2pLink) Signals() core.SignalChannel { return l.conn }

func (l *p2pLink) Close() error {
	l.shutdown()
	return nil
}

// sfuLink runs a subscriber negotiation from connect and a publisher
// negotiation from Publish, both as Caller towards the server.
type sfuLink struct {
	*baseLink
	transports core.TransportFactory

	mu  sync.Mutex
	sub *negotiation.Negotiation
	pub *negotiation.Negotiation
}

func newSFULink(ctx context.Context, conn *signal.Conn, transports core.TransportFactory) (*sfuLink, error) {
	l := &sfuLink{baseLink: newBaseLink(conn, ModeSFU), transports: transports}

	tr, err := transports.NewTransport(targetSub)
	if err != nil {
		return nil, err
	}
	if err := tr.AddReceiveOnly(); err != nil {
		_ = tr.Close()
		return nil, err
	}
	tr.OnTrack(func(s core.RemoteStream) {
		l.emit(core.LinkEvent{Type: core.StreamAdded, Stream: s})
	})
	l.sub = negotiation.New(negotiation.Caller, tr, conn, negotiation.Options{Target: targetSub})

	go l.route()
	go l.watch()

	if err := l.sub.Initiate(ctx); err != nil {
		l.shutdown()
		_ = l.sub.Close()
		return nil, err
	}
	return l, nil
}

// route delivers negotiation frames to the negotiation they target, in order.
func (l *sfuLink) route() {
	for {
		select {
		case <-l.closing:
			return
		case msg, ok := <-l.conn.Messages():
			if !ok {
				return
			}
			l.mu.Lock()
			var neg *negotiation.Negotiation
			switch msg.Target {
			case targetSub:
				neg = l.sub
			case targetPub:
				neg = l.pub
			}
			l.mu.Unlock()
			if neg == nil {
				l.logger.Warn().Str("target", msg.Target).Str("kind", string(msg.Kind)).Msg("frame for unknown negotiation")
				continue
			}
			if err := neg.Handle(context.Background(), msg); err != nil {
				l.logger.Warn().Err(err).Str("target", msg.Target).Msg("negotiation frame rejected")
				if msg.Target == targetSub && errors.Is(err, core.ErrNegotiationFailed) {
					l.emit(core.LinkEvent{Type: core.LinkClosed, Err: err})
				}
			}
		}
	}
}

func (l *sfuLink) Publish(ctx context.Context, c *core.LocalCapture) error {
	l.mu.Lock()
	if l.pub != nil && !l.pub.State().Terminal() {
		l.mu.Unlock()
		return fmt.Errorf("already publishing: %w", core.ErrInvalidState)
	}
	tr, err := l.transports.NewTransport(targetPub)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := tr.AddLocalTracks(c); err != nil {
		l.mu.Unlock()
		_ = tr.Close()
		return err
	}
	pub := negotiation.New(negotiation.Caller, tr, l.conn, negotiation.Options{Target: targetPub})
	l.pub = pub
	l.mu.Unlock()

	return pub.Initiate(ctx)
}

func (l *sfuLink) Signals() core.SignalChannel { return nil }

func (l *sfuLink) Close() error {
	if !l.shutdown() {
		return nil
	}
	l.mu.Lock()
	sub, pub := l.sub, l.pub
	l.mu.Unlock()

	var errs []error
	for _, n := range []*negotiation.Negotiation{pub, sub} {
		if n == nil {
			continue
		}
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
