package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

// Transport is a pion PeerConnection with trickle ICE. Callbacks stop firing
// once Close is called, so a caller may close it while holding a lock its
// callbacks also take.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteStream)
	onState func(core.TransportState)
}

func newTransport(pc *webrtc.PeerConnection, label string) *Transport {
	t := &Transport{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("label", label).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := t.callbacks().onState; fn != nil {
			fn(mapState(s))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := t.callbacks().onICE; fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if fn := t.callbacks().onTrack; fn != nil {
			fn(NewRemoteTrack(track))
		}
	})

	return t
}

type callbacks struct {
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteStream)
	onState func(core.TransportState)
}

// callbacks returns the registered handlers; all nil once closed.
func (t *Transport) callbacks() callbacks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return callbacks{}
	}
	return callbacks{onICE: t.onICE, onTrack: t.onTrack, onState: t.onState}
}

func mapState(s webrtc.PeerConnectionState) core.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return core.TransportClosed
	}
	return core.TransportNew
}

func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *Transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// AddLocalTracks attaches every capture track and drains RTCP for each sender.
func (t *Transport) AddLocalTracks(c *core.LocalCapture) error {
	if c == nil || len(c.Tracks) == 0 {
		return core.ErrNoTracks
	}
	var errs []error
	for _, track := range c.Tracks {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return errors.Join(errs...)
}

// AddReceiveOnly adds recvonly video and audio sections so the offer carries
// valid m-lines without local media.
func (t *Transport) AddReceiveOnly() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(core.RemoteStream)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	t.logger.Info().Msg("closed")
	return nil
}
