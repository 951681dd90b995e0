//go:build linux

package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/transport"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo).
type DeviceSource struct {
	opts     CaptureOptions
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(opts CaptureOptions) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs on a MediaEngine so the peer
// connection negotiates what the encoders produce.
func (d *DeviceSource) Populate(m *webrtc.MediaEngine) {
	d.selector.Populate(m)
}

type attempt struct {
	video, audio bool
	label        string
}

func (d *DeviceSource) attempts() []attempt {
	switch {
	case d.opts.Video && d.opts.Audio:
		// GetUserMedia fails as a unit, so a missing microphone must not
		// take the camera down with it and vice versa
		return []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case d.opts.Video:
		return []attempt{{true, false, "video-only"}}
	case d.opts.Audio:
		return []attempt{{false, true, "audio-only"}}
	}
	return nil
}

// Acquire opens the devices. With capture disabled in both directions it
// returns an empty stream; when every attempt fails the error wraps
// ErrMediaPermissionDenied.
func (d *DeviceSource) Acquire(ctx context.Context) (transport.LocalStream, error) {
	plan := d.attempts()
	if len(plan) == 0 {
		return &trackStream{}, nil
	}

	if devs := mediadevices.EnumerateDevices(); len(devs) == 0 {
		log.Warnf("no media devices found")
	} else {
		for _, dev := range devs {
			log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
		}
	}

	var failures []string
	for _, a := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// raw formats only; MJPEG nodes on some cameras poison the encoder
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Infof("capture %s failed: %v", a.label, err)
			failures = append(failures, a.label+": "+err.Error())
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local %s track ended: %v", t.Kind(), err)
				}
			})
			locals = append(locals, t)
		}
		log.Infof("captured %s: %d tracks", a.label, len(tracks))
		return &trackStream{
			tracks: locals,
			stop: func() {
				for _, t := range tracks {
					t.Close()
				}
				log.Debugf("released %s capture", a.label)
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMediaPermissionDenied, strings.Join(failures, "; "))
}
