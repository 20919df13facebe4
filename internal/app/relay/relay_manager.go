package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewManager() *Manager {
	return &Manager{relays: make(map[string]*Relay)}
}

// Start binds src to surface and starts pumping. An existing relay for the
// same stream id is stopped first.
func (m *Manager) Start(ctx context.Context, src core.RemoteStream, surface core.Surface) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("stream_id", src.ID()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, surface, cancel)

	m.mu.Lock()
	old, ok := m.relays[src.ID()]
	m.relays[src.ID()] = relay
	m.mu.Unlock()
	if ok {
		logger.Info().Msg("replacing existing relay for stream")
		if err := old.close(); err != nil {
			logger.Warn().Err(err).Msg("close replaced surface")
		}
	}

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return relay
}

// Stop detaches and closes the surface for streamID.
func (m *Manager) Stop(streamID string) error {
	m.mu.Lock()
	relay, ok := m.relays[streamID]
	if ok {
		delete(m.relays, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return relay.close()
}

// StopAll closes every surface, attempting all of them.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()

	var errs []error
	for _, r := range relays {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetMuted pauses or resumes delivery to the surface of streamID.
func (m *Manager) SetMuted(streamID string, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[streamID]
	m.mu.RUnlock()
	if !ok || relay.state.Get() == SinkStateDelete {
		return false
	}
	if muted {
		relay.state.MarkMuted()
	} else {
		relay.state.MarkOk()
	}
	return true
}

func (m *Manager) Has(streamID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[streamID]
	return ok
}
