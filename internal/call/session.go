package call

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/transport"
)

type State int

const (
	None State = iota
	RingingOutbound
	RingingInbound
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case RingingOutbound:
		return "ringing_outbound"
	case RingingInbound:
		return "ringing_inbound"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// session is one call attempt. Its handles are owned by the Manager.
type session struct {
	id        string
	attempt   uint64
	peer      identity.PeerIdentity
	outbound  bool
	state     State
	accepting bool

	ctx    context.Context
	cancel context.CancelFunc

	handle transport.CallHandle
	local  transport.LocalStream
	remote transport.RemoteStream

	startedAt time.Time
	endedAt   time.Time
	err       error
}

// Snapshot is the UI view of the current call.
type Snapshot struct {
	ID          string                `json:"id,omitempty"`
	State       State                 `json:"state"`
	Peer        identity.PeerIdentity `json:"peer,omitempty"`
	Outbound    bool                  `json:"outbound"`
	HasLocal    bool                  `json:"has_local"`
	RemoteKinds []string              `json:"remote_kinds,omitempty"`
	StartedAt   time.Time             `json:"started_at,omitempty"`
	EndedAt     time.Time             `json:"ended_at,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		Peer:      s.peer,
		Outbound:  s.outbound,
		HasLocal:  s.local != nil,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	if s.remote != nil {
		snap.RemoteKinds = s.remote.Kinds()
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
