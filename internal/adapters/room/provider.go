// Package room connects to the media session service over its websocket.
// A room runs either through the server ("sfu"), with one subscriber and one
// publisher peer connection, or falls back to direct peer signaling ("p2p").
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/adapters/signal"
	"github.com/dkeye/ptzlink/internal/core"
)

const (
	ModeSFU = "sfu"
	ModeP2P = "p2p"
)

type Provider struct {
	URL        string
	Transports core.TransportFactory
	Signal     signal.Options
	// JoinTimeout bounds the wait for the joined notice.
	JoinTimeout time.Duration
}

func (p *Provider) Connect(ctx context.Context, creds core.Credentials) (core.MediaLink, error) {
	conn, err := signal.Dial(ctx, p.URL, p.Signal)
	if err != nil {
		return nil, fmt.Errorf("dial media service: %w", err)
	}

	join := signal.Envelope{
		Type:      signal.TypeJoin,
		Room:      string(creds.RoomName),
		SessionID: creds.SessionID,
		Token:     creds.Token,
		Role:      string(creds.Role),
	}
	if err := conn.SendEnvelope(ctx, join); err != nil {
		conn.Close()
		return nil, err
	}

	timeout := p.JoinTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	env, err := conn.WaitNotice(waitCtx, signal.TypeJoined, signal.TypeError)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wait for join: %w", err)
	}
	if env.Type == signal.TypeError {
		conn.Close()
		return nil, core.NewError(core.KindConnect, "join", errors.New(env.Error))
	}

	log.Info().
		Str("module", "room").
		Str("room", string(creds.RoomName)).
		Str("session_id", creds.SessionID).
		Str("mode", env.Mode).
		Msg("joined media session")

	switch env.Mode {
	case ModeP2P:
		return newP2PLink(conn), nil
	case ModeSFU, "":
		if p.Transports == nil {
			conn.Close()
			return nil, errors.New("sfu mode needs a transport factory")
		}
		l, err := newSFULink(ctx, conn, p.Transports)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return l, nil
	}
	conn.Close()
	return nil, fmt.Errorf("unknown room mode %q", env.Mode)
}
