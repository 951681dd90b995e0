package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/transport"
	"github.com/petervdpas/sanctuary/internal/transport/memnet"
)

const (
	peerA identity.PeerIdentity = "sanct_v8_a"
	peerB identity.PeerIdentity = "sanct_v8_b"
)

type recorder struct {
	frames []string
	events []Event
}

func (r *recorder) HandleFrame(raw []byte)   { r.frames = append(r.frames, string(raw)) }
func (r *recorder) HandleLifecycle(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	t    *testing.T
	loop *eventloop.Loop
	net  *memnet.Network
	ep   *memnet.Endpoint
	mgr  *Manager
	sink *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	n := memnet.NewNetwork()
	ep := n.Endpoint()
	sink := &recorder{}
	return &fixture{t: t, loop: loop, net: n, ep: ep, mgr: New(ep, loop, sink, opts), sink: sink}
}

// on runs fn on the loop.
func (f *fixture) on(fn func()) {
	f.t.Helper()
	require.NoError(f.t, f.loop.Do(context.Background(), fn))
}

func (f *fixture) state() State {
	var s State
	f.on(func() { s = f.mgr.State() })
	return s
}

func (f *fixture) waitState(want State) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.state() == want }, time.Second, 5*time.Millisecond)
}

func (f *fixture) activate() {
	f.t.Helper()
	f.on(func() { require.NoError(f.t, f.mgr.Activate(context.Background(), peerA, peerB)) })
}

// counterpart registers peerB on the same network.
func (f *fixture) counterpart() *memnet.Endpoint {
	f.t.Helper()
	b := f.net.Endpoint()
	require.NoError(f.t, b.Register(context.Background(), peerB))
	f.t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitStandby waits until a standby link holds n frames.
func (f *fixture) waitStandby(n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		held := -1
		f.on(func() {
			if f.mgr.standby != nil {
				held = len(f.mgr.standby.held)
			}
		})
		return held == n
	}, time.Second, 5*time.Millisecond)
}

func recv(t *testing.T, c transport.Conn) string {
	t.Helper()
	select {
	case f := <-c.Frames():
		return string(f)
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return ""
	}
}

func TestSendWithoutConnection(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(func() { assert.ErrorIs(t, f.mgr.Send([]byte("x")), ErrNotConnected) })
}

func TestActivateDialsCounterpart(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.counterpart()
	f.activate()

	in := <-b.Inbound()
	f.waitState(Open)
	assert.Equal(t, peerA, in.Remote())

	f.on(func() { require.NoError(t, f.mgr.Send([]byte("hello"))) })
	assert.Equal(t, "hello", recv(t, in))

	require.NoError(t, in.Send([]byte("back")))
	require.Eventually(t, func() bool {
		var n int
		f.on(func() { n = len(f.sink.frames) })
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDialFailureReturnsToIdleThenAcceptsInbound(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate()
	require.Eventually(t, func() bool {
		var st Status
		f.on(func() { st = f.mgr.Status() })
		return st.LastError != "" && st.State == Idle
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.ep.Dials())

	b := f.counterpart()
	c, err := b.Dial(context.Background(), peerA)
	require.NoError(t, err)
	f.waitState(Open)
	f.on(func() {
		assert.Equal(t, []EventKind{EventInbound, EventOpen}, f.sink.kinds())
		require.NoError(t, f.mgr.Send([]byte("hi")))
	})
	assert.Equal(t, "hi", recv(t, c))
}

func TestInboundSupersedesOpenConnection(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.counterpart()
	f.activate()
	first := <-b.Inbound()
	f.waitState(Open)

	second, err := b.Dial(context.Background(), peerA)
	require.NoError(t, err)

	// the superseded connection is closed by the manager
	select {
	case _, open := <-first.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("first connection not torn down")
	}

	require.NoError(t, second.Send([]byte("on-second")))
	require.Eventually(t, func() bool {
		var n int
		f.on(func() { n = len(f.sink.frames) })
		return n == 1
	}, time.Second, 5*time.Millisecond)

	f.on(func() {
		assert.Equal(t, Open, f.mgr.State())
		assert.Equal(t, uint64(2), f.mgr.Status().Generation)
		assert.Equal(t, []EventKind{EventOpen, EventInbound, EventOpen}, f.sink.kinds())
		require.NoError(t, f.mgr.Send([]byte("to-second")))
	})
	assert.Equal(t, "to-second", recv(t, second))
}

func TestTieBreakKeepsSmallerIdentitysDial(t *testing.T) {
	f := newFixture(t, Options{DuplicateWindow: time.Minute})
	b := f.counterpart()
	f.activate()
	in := <-b.Inbound()
	f.waitState(Open)

	dup, err := b.Dial(context.Background(), peerA)
	require.NoError(t, err)
	require.NoError(t, dup.Send([]byte("stale")))
	f.waitStandby(1)

	require.NoError(t, in.Send([]byte("live")))
	select {
	case _, open := <-dup.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("duplicate not closed")
	}
	f.on(func() {
		assert.Equal(t, uint64(1), f.mgr.Status().Generation)
		assert.Equal(t, Open, f.mgr.State())
		assert.Nil(t, f.mgr.standby)
		assert.Equal(t, []string{"live"}, f.sink.frames)
	})
}

func TestStandbyTakesOverWhenKeptConnectionDies(t *testing.T) {
	f := newFixture(t, Options{DuplicateWindow: time.Minute})
	b := f.counterpart()
	f.activate()
	in := <-b.Inbound()
	f.waitState(Open)

	fresh, err := b.Dial(context.Background(), peerA)
	require.NoError(t, err)
	require.NoError(t, fresh.Send([]byte("hello again")))
	f.waitStandby(1)

	in.(*memnet.Conn).Fail(transport.ErrUnreachable)
	require.Eventually(t, func() bool {
		var gen uint64
		f.on(func() { gen = f.mgr.Status().Generation })
		return gen == 2
	}, time.Second, 5*time.Millisecond)

	f.on(func() {
		assert.Equal(t, Open, f.mgr.State())
		assert.Equal(t, []EventKind{EventOpen, EventInbound, EventOpen}, f.sink.kinds())
		assert.Equal(t, []string{"hello again"}, f.sink.frames)
		require.NoError(t, f.mgr.Send([]byte("back")))
	})
	assert.Equal(t, "back", recv(t, fresh))
}

// failingRegister refuses the first registration.
type failingRegister struct {
	*memnet.Endpoint
	failed bool
}

func (r *failingRegister) Register(ctx context.Context, self identity.PeerIdentity) error {
	if !r.failed {
		r.failed = true
		return transport.ErrUnreachable
	}
	return r.Endpoint.Register(ctx, self)
}

func TestActivateAgainAfterRegisterFailure(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.counterpart()
	tr := &failingRegister{Endpoint: f.ep}
	f.mgr = New(tr, f.loop, f.sink, Options{})

	f.activate()
	require.Eventually(t, func() bool {
		var last string
		f.on(func() { last = f.mgr.Status().LastError })
		return last != ""
	}, time.Second, 5*time.Millisecond)
	f.on(func() {
		assert.Equal(t, Idle, f.mgr.State())
		assert.ErrorIs(t, f.mgr.Redial(context.Background()), ErrNotActivated)
	})

	f.activate()
	<-b.Inbound()
	f.waitState(Open)
}

func TestRemoteCloseThenRedial(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.counterpart()
	f.activate()
	in := <-b.Inbound()
	f.waitState(Open)

	in.(*memnet.Conn).Fail(transport.ErrUnreachable)
	f.waitState(Closed)
	f.on(func() {
		last := f.sink.events[len(f.sink.events)-1]
		assert.Equal(t, EventClose, last.Kind)
		assert.ErrorIs(t, last.Err, transport.ErrUnreachable)
		assert.ErrorIs(t, f.mgr.Send([]byte("x")), ErrNotConnected)
		require.NoError(t, f.mgr.Redial(context.Background()))
	})
	<-b.Inbound()
	f.waitState(Open)
	f.on(func() { assert.Equal(t, uint64(2), f.mgr.Status().Generation) })
}

func TestInboundFromStrangerRefused(t *testing.T) {
	f := newFixture(t, Options{})
	f.activate()

	stranger := f.net.Endpoint()
	require.NoError(t, stranger.Register(context.Background(), "sanct_v8_mallory"))
	c, err := stranger.Dial(context.Background(), peerA)
	require.NoError(t, err)
	select {
	case _, open := <-c.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stranger connection not refused")
	}
	assert.NotEqual(t, Open, f.state())
}

func TestDeactivateReleasesEverything(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.counterpart()
	f.activate()
	in := <-b.Inbound()
	f.waitState(Open)

	f.on(func() { f.mgr.Deactivate() })
	select {
	case _, open := <-in.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("connection not released")
	}
	assert.Equal(t, Idle, f.state())
	_, err := b.Dial(context.Background(), peerA)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}
