// Package memnet is an in-process Transport. Endpoints on one Network reach
// each other by registered PeerIdentity; frames are delivered in order.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/transport"
)

const (
	frameBuffer   = 4096
	inboundBuffer = 16
)

// Network is a registry of endpoints.
type Network struct {
	mu    sync.Mutex
	peers map[identity.PeerIdentity]*Endpoint
}

func NewNetwork() *Network {
	return &Network{peers: make(map[identity.PeerIdentity]*Endpoint)}
}

// Endpoint returns a new unregistered endpoint on n.
func (n *Network) Endpoint() *Endpoint {
	return &Endpoint{
		net:      n,
		inbound:  make(chan transport.Conn, inboundBuffer),
		incoming: make(chan transport.CallHandle, inboundBuffer),
		conns:    make(map[*Conn]struct{}),
	}
}

func (n *Network) lookup(p identity.PeerIdentity) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.peers[p]
	return ep, ok
}

// Endpoint implements transport.Transport.
type Endpoint struct {
	net *Network

	mu       sync.Mutex
	self     identity.PeerIdentity
	closed   bool
	inbound  chan transport.Conn
	incoming chan transport.CallHandle
	conns    map[*Conn]struct{}
	dials    int
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Register(ctx context.Context, self identity.PeerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	e.self = self
	e.net.mu.Lock()
	e.net.peers[self] = e
	e.net.mu.Unlock()
	return nil
}

// Dials reports how many outbound connections e has opened.
func (e *Endpoint) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

func (e *Endpoint) Dial(ctx context.Context, peer identity.PeerIdentity) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	self, closed := e.self, e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	remote, ok := e.net.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, peer)
	}

	local, far := Pipe(self, peer)
	if !remote.accept(far) {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, peer)
	}
	e.mu.Lock()
	e.conns[local] = struct{}{}
	e.dials++
	e.mu.Unlock()
	return local, nil
}

func (e *Endpoint) accept(c *Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.inbound <- c:
		e.conns[c] = struct{}{}
		return true
	default:
		return false
	}
}

func (e *Endpoint) Inbound() <-chan transport.Conn { return e.inbound }

func (e *Endpoint) Call(ctx context.Context, peer identity.PeerIdentity, local transport.LocalStream) (transport.CallHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	self, closed := e.self, e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	remote, ok := e.net.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, peer)
	}
	caller, callee := newCallPair(self, peer, local)
	if !remote.ring(callee) {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, peer)
	}
	return caller, nil
}

func (e *Endpoint) ring(h *Call) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.incoming <- h:
		return true
	default:
		return false
	}
}

func (e *Endpoint) IncomingCalls() <-chan transport.CallHandle { return e.incoming }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := e.conns
	e.conns = nil
	close(e.inbound)
	close(e.incoming)
	self := e.self
	e.mu.Unlock()

	e.net.mu.Lock()
	if e.net.peers[self] == e {
		delete(e.net.peers, self)
	}
	e.net.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
	return nil
}

// pipe is the state shared by both ends of a connection.
type pipe struct {
	once sync.Once
	done chan struct{}
	mu   sync.RWMutex
}

// Conn is one end of an in-process connection.
type Conn struct {
	p      *pipe
	remote identity.PeerIdentity
	frames chan []byte
	peer   *Conn

	errMu sync.Mutex
	err   error
}

var _ transport.Conn = (*Conn)(nil)

// Pipe returns two connected ends: a is held by from, b by to.
func Pipe(from, to identity.PeerIdentity) (a, b *Conn) {
	p := &pipe{done: make(chan struct{})}
	a = &Conn{p: p, remote: to, frames: make(chan []byte, frameBuffer)}
	b = &Conn{p: p, remote: from, frames: make(chan []byte, frameBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) Remote() identity.PeerIdentity { return c.remote }

func (c *Conn) Send(frame []byte) error {
	c.p.mu.RLock()
	defer c.p.mu.RUnlock()
	select {
	case <-c.p.done:
		return transport.ErrClosed
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case c.peer.frames <- buf:
		return nil
	case <-c.p.done:
		return transport.ErrClosed
	}
}

func (c *Conn) Frames() <-chan []byte { return c.frames }

func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.shutdown(nil, transport.ErrClosed)
	return nil
}

// Fail tears the connection down as a transport error seen by both ends.
func (c *Conn) Fail(err error) {
	c.shutdown(err, err)
}

func (c *Conn) shutdown(local, remote error) {
	c.p.once.Do(func() {
		close(c.p.done)
		c.p.mu.Lock()
		defer c.p.mu.Unlock()
		c.setErr(local)
		c.peer.setErr(remote)
		close(c.frames)
		close(c.peer.frames)
	})
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
