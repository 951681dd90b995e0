// Package transport is the boundary to the peer-connection service. The
// session and call layers depend only on these interfaces. Implementations
// live in internal/p2p (libp2p + pion) and internal/transport/memnet.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/identity"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// Transport registers the local peer identity and opens data connections and
// media calls to other identities.
type Transport interface {
	// Register announces self. It returns once the registration is live.
	Register(ctx context.Context, self identity.PeerIdentity) error
	Dial(ctx context.Context, peer identity.PeerIdentity) (Conn, error)
	// Inbound yields connections opened by remote peers.
	Inbound() <-chan Conn

	// Call offers local to peer. The handle is returned as soon as the offer
	// is out; the remote stream arrives later on Events.
	Call(ctx context.Context, peer identity.PeerIdentity, local LocalStream) (CallHandle, error)
	IncomingCalls() <-chan CallHandle

	// Close releases the registration and every open connection.
	Close() error
}

// Conn is one ordered, reliable frame channel to a remote peer.
type Conn interface {
	Remote() identity.PeerIdentity
	Send(frame []byte) error
	// Frames is closed when the connection ends.
	Frames() <-chan []byte
	// Err reports why Frames closed, nil after a local Close.
	Err() error
	Close() error
}

// LocalStream is captured local media. Stop releases the capture devices and
// is safe to call more than once.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// RemoteStream is the media received from the counterpart.
type RemoteStream interface {
	ID() string
	Kinds() []string
}

type CallEventKind int

const (
	// CallRemoteStream carries the counterpart's media.
	CallRemoteStream CallEventKind = iota
	// CallClosed is the last event; Err is set on transport failure.
	CallClosed
)

type CallEvent struct {
	Kind   CallEventKind
	Stream RemoteStream
	Err    error
}

// CallHandle is one media call, outbound or ringing inbound.
type CallHandle interface {
	Remote() identity.PeerIdentity
	// Answer accepts an inbound call with local media.
	Answer(ctx context.Context, local LocalStream) error
	// Events is closed after CallClosed has been delivered.
	Events() <-chan CallEvent
	Close() error
}
