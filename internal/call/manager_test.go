package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/transport"
	"github.com/petervdpas/sanctuary/internal/transport/memnet"
)

const (
	alice identity.PeerIdentity = "sanct_v8_alice"
	bob   identity.PeerIdentity = "sanct_v8_bob"
)

// fakeMedia counts open streams so tests can check capture is released.
type fakeMedia struct {
	deny  bool
	open  atomic.Int32
	taken atomic.Int32
}

type fakeStream struct {
	m       *fakeMedia
	stopped atomic.Bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.m.open.Add(-1)
	}
}

func (m *fakeMedia) Acquire(ctx context.Context) (transport.LocalStream, error) {
	m.taken.Add(1)
	if m.deny {
		return nil, errors.New("NotAllowedError")
	}
	m.open.Add(1)
	return &fakeStream{m: m}, nil
}

type peer struct {
	t     *testing.T
	loop  *eventloop.Loop
	ep    *memnet.Endpoint
	media *fakeMedia
	mgr   *Manager
}

func newPeer(t *testing.T, n *memnet.Network, self, other identity.PeerIdentity) *peer {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	ep := n.Endpoint()
	require.NoError(t, ep.Register(context.Background(), self))
	media := &fakeMedia{}
	p := &peer{t: t, loop: loop, ep: ep, media: media, mgr: New(loop, ep, media, other)}

	go func() {
		for h := range ep.IncomingCalls() {
			h := h
			loop.Post(func() { p.mgr.HandleIncoming(h) })
		}
	}()
	t.Cleanup(func() {
		_ = ep.Close()
		cancel()
		<-loop.Done()
	})
	return p
}

func (p *peer) on(fn func()) {
	p.t.Helper()
	require.NoError(p.t, p.loop.Do(context.Background(), fn))
}

func (p *peer) snap() Snapshot {
	var s Snapshot
	p.on(func() { s = p.mgr.Current() })
	return s
}

func (p *peer) waitState(want State) {
	p.t.Helper()
	require.Eventually(p.t, func() bool { return p.snap().State == want }, time.Second, 5*time.Millisecond,
		"want %s", want)
}

func pair(t *testing.T) (*peer, *peer) {
	n := memnet.NewNetwork()
	return newPeer(t, n, alice, bob), newPeer(t, n, bob, alice)
}

func TestOutboundCallConnectsAndHangsUp(t *testing.T) {
	a, b := pair(t)

	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	assert.Equal(t, RingingOutbound, a.snap().State)
	b.waitState(RingingInbound)
	assert.Zero(t, b.media.taken.Load(), "no capture before accept")

	b.on(func() { require.NoError(t, b.mgr.Accept()) })
	b.waitState(Connected)
	a.waitState(Connected)
	assert.False(t, a.snap().StartedAt.IsZero())
	assert.EqualValues(t, 1, a.media.open.Load())
	assert.EqualValues(t, 1, b.media.open.Load())

	a.on(func() { require.NoError(t, a.mgr.HangUp()) })
	assert.Equal(t, Ended, a.snap().State)
	b.waitState(Ended)
	assert.Zero(t, a.media.open.Load())
	assert.Zero(t, b.media.open.Load())
}

func TestRejectClosesWithoutCapture(t *testing.T) {
	a, b := pair(t)
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)

	b.on(func() { require.NoError(t, b.mgr.Reject()) })
	assert.Equal(t, Ended, b.snap().State)
	assert.Zero(t, b.media.taken.Load())
	a.waitState(Ended)
	assert.Zero(t, a.media.open.Load())
}

func TestPermissionDeniedEndsOutboundCall(t *testing.T) {
	a, _ := pair(t)
	a.media.deny = true
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	a.waitState(Ended)
	assert.Contains(t, a.snap().Error, "permission denied")
}

func TestPermissionDeniedOnAccept(t *testing.T) {
	a, b := pair(t)
	b.media.deny = true
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)
	b.on(func() { require.NoError(t, b.mgr.Accept()) })
	b.waitState(Ended)
	a.waitState(Ended)
	assert.Zero(t, a.media.open.Load())
}

func TestRemoteFailureReleasesCapture(t *testing.T) {
	a, b := pair(t)
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)
	b.on(func() { require.NoError(t, b.mgr.Accept()) })
	a.waitState(Connected)

	var h transport.CallHandle
	b.on(func() { h = b.mgr.cur.handle })
	h.(*memnet.Call).Fail(errors.New("ice failed"))
	a.waitState(Ended)
	b.waitState(Ended)
	assert.Contains(t, a.snap().Error, "ice failed")
	assert.Zero(t, a.media.open.Load())
	assert.Zero(t, b.media.open.Load())
}

func TestHangUpWhileRingingOutbound(t *testing.T) {
	a, b := pair(t)
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)

	a.on(func() { require.NoError(t, a.mgr.HangUp()) })
	b.waitState(Ended)
	assert.Zero(t, a.media.open.Load())
}

func TestSecondRingWhileLiveIsClosed(t *testing.T) {
	n := memnet.NewNetwork()
	a := newPeer(t, n, alice, bob)
	b := newPeer(t, n, bob, alice)

	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)
	first := b.snap().ID

	extra, err := a.ep.Call(context.Background(), bob, nil)
	require.NoError(t, err)
	select {
	case ev := <-extra.Events():
		assert.Equal(t, transport.CallClosed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("second ring not closed")
	}
	assert.Equal(t, first, b.snap().ID)
	assert.Equal(t, RingingInbound, b.snap().State)
}

func TestTransitionTable(t *testing.T) {
	a, b := pair(t)

	// from None only place and ring are defined
	a.on(func() {
		assert.ErrorIs(t, a.mgr.Accept(), ErrInvalidTransition)
		assert.ErrorIs(t, a.mgr.Reject(), ErrInvalidTransition)
		assert.ErrorIs(t, a.mgr.HangUp(), ErrInvalidTransition)
	})

	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	b.waitState(RingingInbound)
	a.on(func() {
		assert.ErrorIs(t, a.mgr.PlaceOutboundCall(bob), ErrBusy)
		assert.ErrorIs(t, a.mgr.Accept(), ErrInvalidTransition, "accept is inbound only")
		assert.ErrorIs(t, a.mgr.Reject(), ErrInvalidTransition)
	})
	b.on(func() { assert.ErrorIs(t, b.mgr.PlaceOutboundCall(alice), ErrBusy) })

	b.on(func() { require.NoError(t, b.mgr.Accept()) })
	b.waitState(Connected)
	b.on(func() {
		assert.ErrorIs(t, b.mgr.Accept(), ErrInvalidTransition)
		assert.ErrorIs(t, b.mgr.Reject(), ErrInvalidTransition)
		require.NoError(t, b.mgr.HangUp())
	})
	a.waitState(Ended)

	// Ended is terminal for the old session
	a.on(func() {
		assert.ErrorIs(t, a.mgr.HangUp(), ErrInvalidTransition)
		assert.ErrorIs(t, a.mgr.Accept(), ErrInvalidTransition)
		assert.ErrorIs(t, a.mgr.Reject(), ErrInvalidTransition)
	})
	old := a.snap().ID

	// and a fresh place starts a new one
	a.on(func() { require.NoError(t, a.mgr.PlaceOutboundCall(bob)) })
	assert.Equal(t, RingingOutbound, a.snap().State)
	assert.NotEqual(t, old, a.snap().ID)
}

func TestReceiveOnlyStream(t *testing.T) {
	s, err := ReceiveOnly{}.Acquire(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Tracks())
	s.Stop()
	s.Stop()
}
