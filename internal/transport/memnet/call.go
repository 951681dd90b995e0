package memnet

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/transport"
)

// Call is one side of an in-process media call.
type Call struct {
	remote identity.PeerIdentity
	local  transport.LocalStream
	peer   *Call
	shared *callState

	events chan transport.CallEvent
	closed bool // guarded by shared.mu
}

type callState struct {
	mu       sync.Mutex
	answered bool
	ended    bool
}

var _ transport.CallHandle = (*Call)(nil)

func newCallPair(from, to identity.PeerIdentity, local transport.LocalStream) (caller, callee *Call) {
	s := &callState{}
	caller = &Call{remote: to, local: local, shared: s, events: make(chan transport.CallEvent, 4)}
	callee = &Call{remote: from, shared: s, events: make(chan transport.CallEvent, 4)}
	caller.peer, callee.peer = callee, caller
	return caller, callee
}

func (c *Call) Remote() identity.PeerIdentity { return c.remote }

func (c *Call) Events() <-chan transport.CallEvent { return c.events }

// Answer delivers each side's stream to the other.
func (c *Call) Answer(ctx context.Context, local transport.LocalStream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return transport.ErrClosed
	}
	if s.answered {
		return nil
	}
	s.answered = true
	c.local = local
	c.peer.emit(transport.CallEvent{Kind: transport.CallRemoteStream, Stream: streamOf(c.local)})
	c.emit(transport.CallEvent{Kind: transport.CallRemoteStream, Stream: streamOf(c.peer.local)})
	return nil
}

func (c *Call) Close() error {
	c.end(nil)
	return nil
}

// Fail ends the call on both sides with err.
func (c *Call) Fail(err error) {
	c.end(err)
}

func (c *Call) end(err error) {
	s := c.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	for _, side := range []*Call{c, c.peer} {
		side.emit(transport.CallEvent{Kind: transport.CallClosed, Err: err})
		side.closed = true
		close(side.events)
	}
}

// emit must be called with shared.mu held.
func (c *Call) emit(ev transport.CallEvent) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

type stream struct {
	id    string
	kinds []string
}

func (s stream) ID() string      { return s.id }
func (s stream) Kinds() []string { return s.kinds }

func streamOf(l transport.LocalStream) stream {
	st := stream{id: uuid.NewString()}
	if l == nil {
		return st
	}
	for _, t := range l.Tracks() {
		st.kinds = append(st.kinds, t.Kind().String())
	}
	return st
}
