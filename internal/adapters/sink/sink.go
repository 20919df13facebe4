// Package sink provides rendering surfaces for remote streams: container
// files on disk, or a counting discard surface when recording is off.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

// mimeTyped is implemented by streams that know their negotiated codec.
type mimeTyped interface {
	MimeType() string
}

type Factory struct {
	// Dir receives one file per stream. Empty means discard.
	Dir string
	now func() time.Time
}

func NewFactory(dir string) *Factory {
	return &Factory{Dir: dir, now: time.Now}
}

func (f *Factory) NewSurface(stream core.RemoteStream) (core.Surface, error) {
	if f.Dir == "" {
		return &Discard{}, nil
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, err
	}

	mime := mimeOf(stream)
	base := filepath.Join(f.Dir, fmt.Sprintf("%s-%d", sanitize(stream.ID()), f.now().Unix()))

	var (
		w    core.Surface
		path string
		err  error
	)
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		path = base + ".ivf"
		w, err = ivfwriter.New(path)
	case strings.ToLower(webrtc.MimeTypeH264):
		path = base + ".h264"
		w, err = h264writer.New(path)
	case strings.ToLower(webrtc.MimeTypeOpus):
		path = base + ".ogg"
		w, err = oggwriter.New(path, 48000, 2)
	default:
		return nil, fmt.Errorf("no recorder for %q", mime)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "sink").Str("stream_id", stream.ID()).Str("path", path).Msg("recording remote stream")
	return w, nil
}

// mimeOf falls back to the default codec of the stream kind.
func mimeOf(stream core.RemoteStream) string {
	if m, ok := stream.(mimeTyped); ok && m.MimeType() != "" {
		return m.MimeType()
	}
	if stream.Kind() == webrtc.RTPCodecTypeAudio.String() {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(id string) string {
	s := unsafeChars.ReplaceAllString(id, "_")
	if s == "" {
		return "stream"
	}
	return s
}

// Discard counts packets and drops them.
type Discard struct {
	packets atomic.Uint64
	closed  atomic.Bool
}

func (d *Discard) WriteRTP(*rtp.Packet) error {
	if d.closed.Load() {
		return os.ErrClosed
	}
	d.packets.Add(1)
	return nil
}

func (d *Discard) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *Discard) Packets() uint64 { return d.packets.Load() }
