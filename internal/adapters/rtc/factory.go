package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/ptzlink/internal/core"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	ICEServers []string
	// Codecs registers the codecs local capture encodes with. Defaults to
	// pion's default codec set.
	Codecs        func(*webrtc.MediaEngine) error
	LoggerFactory logging.LoggerFactory
}

// Factory builds peer transports sharing one webrtc API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg Config) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	register := cfg.Codecs
	if register == nil {
		register = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := register(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	// A short relay outage should not end the session.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = []string{defaultSTUN}
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: servers}}},
	}, nil
}

func (f *Factory) NewTransport(label string) (core.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newTransport(pc, label), nil
}
