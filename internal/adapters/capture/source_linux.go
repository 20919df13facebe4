//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
)

// Source captures through V4L2 and malgo, encoding VP8 and Opus.
type Source struct {
	selector *mediadevices.CodecSelector
	cons     Constraints
}

func NewSource(cons Constraints) (*Source, error) {
	cons = cons.withDefaults()
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cons.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Source{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		cons: cons,
	}, nil
}

func (s *Source) Codecs() Codecs {
	return func(me *webrtc.MediaEngine) error {
		s.selector.Populate(me)
		return nil
	}
}

func (s *Source) Acquire(ctx context.Context) (*core.LocalCapture, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, core.NewError(core.KindDeviceAccess, "enumerate", errors.New("no media devices found"))
	}
	for _, d := range devices {
		log.Debug().Str("module", "capture").Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras produce frames the encoder rejects.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: s.cons.MaxWidth}
				c.Height = prop.IntRanged{Max: s.cons.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "capture").Str("attempt", a.label).Msg("GetUserMedia failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "capture").Str("track_id", t.ID()).Msg("local track ended")
				}
			})
			locals = append(locals, t)
		}
		id := uuid.NewString()
		log.Info().Str("module", "capture").Str("capture_id", id).Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return core.NewLocalCapture(id, locals, func() error {
			var errs []error
			for _, t := range tracks {
				if err := t.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			log.Info().Str("module", "capture").Str("capture_id", id).Msg("local media released")
			return errors.Join(errs...)
		}), nil
	}
	return nil, core.NewError(core.KindDeviceAccess, "get user media", errors.Join(errs...))
}
