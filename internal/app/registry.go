package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

// Registry tracks the remote peers bound to rendering surfaces.
// The session actor mutates it; the presentation layer reads snapshots.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*core.RemotePeer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*core.RemotePeer)}
}

// Get returns the peer bound for streamID.
func (r *Registry) Get(streamID string) (*core.RemotePeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[streamID]
	return p, ok
}

// Bind stores peer, returning the one it replaced if any.
func (r *Registry) Bind(peer *core.RemotePeer) (*core.RemotePeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.peers[peer.StreamID]
	r.peers[peer.StreamID] = peer
	log.Info().Str("module", "app.registry").Str("stream_id", peer.StreamID).Bool("replaced", ok).Msg("bound remote peer")
	return old, ok
}

func (r *Registry) Unbind(streamID string) (*core.RemotePeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[streamID]
	if ok {
		delete(r.peers, streamID)
		log.Info().Str("module", "app.registry").Str("stream_id", streamID).Msg("unbound remote peer")
	}
	return p, ok
}

// Drain removes and returns every peer.
func (r *Registry) Drain() []*core.RemotePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.RemotePeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.peers = make(map[string]*core.RemotePeer)
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeerDTO is a read-only view for APIs (no media handles).
type PeerDTO struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Attached bool   `json:"attached"`
}

func (r *Registry) Snapshot() []PeerDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerDTO, 0, len(r.peers))
	for _, p := range r.peers {
		dto := PeerDTO{StreamID: p.StreamID, Attached: p.Attached}
		if p.Stream != nil {
			dto.Kind = p.Stream.Kind()
		}
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}
