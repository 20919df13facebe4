// Package relay pumps RTP from subscribed remote streams into their surfaces.
package relay

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/ptzlink/internal/core"
)

type Relay struct {
	Src core.RemoteStream

	mu      sync.Mutex
	surface core.Surface
	state   sinkState
	packets uint64
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src core.RemoteStream, surface core.Surface, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:     src,
		surface: surface,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// loop reads RTP packets from the source stream and forwards them to the surface.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done")
			return
		default:
		}
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.state.MarkDelete()
			return
		}
		if !r.forward(pkt, logger) {
			return
		}
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) bool {
	switch r.state.Get() {
	case SinkStateDelete:
		return false
	case SinkStateMuted:
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if err := r.surface.WriteRTP(pkt); err != nil {
		logger.Error().Err(err).Msg("surface write error, marking relay as delete")
		r.state.MarkDelete()
		return false
	}
	r.packets++
	return true
}

// close detaches the surface. No write happens after it returns.
func (r *Relay) close() error {
	r.state.MarkDelete()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.surface.Close()
}

// Packets returns how many packets reached the surface.
func (r *Relay) Packets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Done is closed once the pump goroutine has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
