package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/ptzlink/internal/core"
)

const writeWait = 5 * time.Second

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closing:
			c.flush()
			c.logger.Info().Msg("writePump closing")
			return
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.closeWith(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				c.closeWith(err)
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes what was queued before Close, such as a final leave frame.
// A write error ends it; nothing is waiting on the result.
func (c *Conn) flush() {
	c.mu.RLock()
	failed := c.err != nil
	c.mu.RUnlock()
	if failed {
		return
	}
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.logger.Info().Msg("readPump closing")
		close(c.msgs)
		close(c.notes)
		close(c.done)
	}()

	pongWait := 2 * c.opts.PingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			c.closeWith(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame returns false once the connection is closing.
func (c *Conn) handleFrame(data []byte) bool {
	env, err := unmarshal(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		return true
	}

	if env.IsNegotiation() {
		msg, err := DecodeMessage(env)
		if err != nil {
			c.logger.Warn().Err(err).Str("type", env.Type).Msg("bad negotiation frame")
			return true
		}
		// Blocking keeps arrival order; a stalled consumer stalls the socket.
		select {
		case c.msgs <- msg:
		case <-c.closing:
			return false
		}
		return true
	}

	switch env.Type {
	case TypePing:
		if err := c.TrySend(Envelope{Type: TypePong}); err != nil {
			c.logger.Warn().Err(err).Msg("pong")
		}
	case TypePong:
	default:
		select {
		case c.notes <- env:
		default:
			c.logger.Warn().Str("type", env.Type).Msg("notice dropped, consumer slow")
		}
	}
	return true
}

// WaitNotice returns the next control frame of one of the given types.
// Other notices read meanwhile are discarded.
func (c *Conn) WaitNotice(ctx context.Context, types ...string) (Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case env, ok := <-c.notes:
			if !ok {
				if err := c.Err(); err != nil {
					return Envelope{}, err
				}
				return Envelope{}, core.ErrClosed
			}
			for _, t := range types {
				if env.Type == t {
					return env, nil
				}
			}
			c.logger.Debug().Str("type", env.Type).Msg("notice skipped while waiting")
		}
	}
}
