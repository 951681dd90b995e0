//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/transport"
)

// DeviceSource has no capture drivers on this platform. With capture
// disabled it yields an empty stream; otherwise Acquire is refused.
type DeviceSource struct {
	opts CaptureOptions
}

func NewDeviceSource(opts CaptureOptions) (*DeviceSource, error) {
	return &DeviceSource{opts: opts}, nil
}

// Populate registers the default codecs.
func (d *DeviceSource) Populate(m *webrtc.MediaEngine) {
	if err := m.RegisterDefaultCodecs(); err != nil {
		log.Warnf("register codecs: %v", err)
	}
}

func (d *DeviceSource) Acquire(ctx context.Context) (transport.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.opts.Video && !d.opts.Audio {
		return &trackStream{}, nil
	}
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaPermissionDenied, runtime.GOOS)
}
