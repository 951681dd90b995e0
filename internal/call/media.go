package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/transport"
)

// CaptureOptions selects which devices DeviceSource opens.
type CaptureOptions struct {
	Video bool
	Audio bool
}

// trackStream is a LocalStream over a fixed set of tracks.
type trackStream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func (s *trackStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *trackStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// ReceiveOnly is a MediaSource that captures nothing. The call still
// receives the counterpart's media.
type ReceiveOnly struct{}

func (ReceiveOnly) Acquire(ctx context.Context) (transport.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &trackStream{}, nil
}
