// Package signal is the websocket signaling channel used for room control
// and direct peer negotiation.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	PingPeriod time.Duration
	ReadLimit  int64
	Header     http.Header
}

func (o Options) withDefaults() Options {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 20 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	return o
}

// Conn is one websocket. Negotiation frames surface on Messages in arrival
// order; control frames surface on Notices.
type Conn struct {
	conn   *websocket.Conn
	send   chan []byte
	msgs   chan core.SignalMessage
	notes  chan Envelope
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	done    chan struct{}
	err     error
}

// Dial connects to a signaling endpoint and starts the pumps.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Join(err, errors.New(resp.Status))
		}
		return nil, err
	}
	return NewConn(ws, opts), nil
}

// NewConn wraps an established websocket, such as one accepted by a server.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		conn:    ws,
		send:    make(chan []byte, 32),
		msgs:    make(chan core.SignalMessage, 64),
		notes:   make(chan Envelope, 16),
		opts:    opts,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log.With().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Logger(),
	}
	ws.SetReadLimit(opts.ReadLimit)
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) Messages() <-chan core.SignalMessage { return c.msgs }
func (c *Conn) Notices() <-chan Envelope             { return c.notes }

// Done is closed when the socket is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the socket went away.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send queues a negotiation message, waiting for room in the queue until ctx
// is done.
func (c *Conn) Send(ctx context.Context, msg core.SignalMessage) error {
	env, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.SendEnvelope(ctx, env)
}

func (c *Conn) SendEnvelope(ctx context.Context, env Envelope) error {
	data, err := marshal(env)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return core.ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues a frame without waiting.
func (c *Conn) TrySend(env Envelope) error {
	data, err := marshal(env)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return core.ErrClosed
	}
	select {
	case c.send <- data:
	case <-c.closing:
		return core.ErrClosed
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) Close() { c.closeWith(nil) }

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	// send stays open; writePump exits on closing.
	close(c.closing)
	c.mu.Unlock()
}
