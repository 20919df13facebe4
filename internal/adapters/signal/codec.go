package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/core"
)

// Envelope is the JSON frame on the signaling websocket. Negotiation frames
// carry sdp or candidate fields; control frames carry the rest.
type Envelope struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`

	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Room      string `json:"room,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Role      string `json:"role,omitempty"`
	Mode      string `json:"mode,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Control frame types.
const (
	TypeJoin          = "join"
	TypeJoined        = "joined"
	TypeLeave         = "leave"
	TypeStreamRemoved = "stream_removed"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
)

var ErrBadFrame = errors.New("malformed signaling frame")

// IsNegotiation reports whether the frame belongs to an offer/answer exchange.
func (e Envelope) IsNegotiation() bool {
	switch core.SignalKind(e.Type) {
	case core.SignalOffer, core.SignalAnswer, core.SignalCandidate:
		return true
	}
	return false
}

func EncodeMessage(msg core.SignalMessage) (Envelope, error) {
	env := Envelope{Type: string(msg.Kind), Target: msg.Target}
	switch msg.Kind {
	case core.SignalOffer, core.SignalAnswer:
		if msg.Description == nil {
			return Envelope{}, fmt.Errorf("%w: %s without description", ErrBadFrame, msg.Kind)
		}
		env.SDP = msg.Description.SDP
	case core.SignalCandidate:
		if msg.Candidate == nil {
			return Envelope{}, fmt.Errorf("%w: candidate without payload", ErrBadFrame)
		}
		env.Candidate = msg.Candidate.Candidate
		env.SDPMid = msg.Candidate.SDPMid
		env.SDPMLineIndex = msg.Candidate.SDPMLineIndex
	default:
		return Envelope{}, fmt.Errorf("%w: kind %q", ErrBadFrame, msg.Kind)
	}
	return env, nil
}

func DecodeMessage(env Envelope) (core.SignalMessage, error) {
	msg := core.SignalMessage{Kind: core.SignalKind(env.Type), Target: env.Target}
	switch msg.Kind {
	case core.SignalOffer:
		if env.SDP == "" {
			return core.SignalMessage{}, fmt.Errorf("%w: offer without sdp", ErrBadFrame)
		}
		msg.Description = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
	case core.SignalAnswer:
		if env.SDP == "" {
			return core.SignalMessage{}, fmt.Errorf("%w: answer without sdp", ErrBadFrame)
		}
		msg.Description = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
	case core.SignalCandidate:
		msg.Candidate = &webrtc.ICECandidateInit{
			Candidate:     env.Candidate,
			SDPMid:        env.SDPMid,
			SDPMLineIndex: env.SDPMLineIndex,
		}
	default:
		return core.SignalMessage{}, fmt.Errorf("%w: type %q", ErrBadFrame, env.Type)
	}
	return msg, nil
}

func marshal(env Envelope) ([]byte, error) { return json.Marshal(env) }

func unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	return env, nil
}
