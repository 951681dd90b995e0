package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/proto"
	"github.com/petervdpas/sanctuary/internal/transport"
)

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
	frameBuffer  = 256
	// An idle session writes an empty line every keepalive. A session that
	// reads nothing for silence is treated as gone.
	keepalive = 15 * time.Second
	silence   = 3 * keepalive
	// A 512 KiB chunk is about 700 KB once base64 encoded.
	maxFrame = 4 << 20
)

var (
	errFrameTooLarge = errors.New("p2p: frame too large")
	errSilent        = errors.New("p2p: counterpart went silent")
)

// Dial resolves peer through presence and opens a session stream to it.
func (n *Node) Dial(ctx context.Context, pi identity.PeerIdentity) (transport.Conn, error) {
	self, ok := n.registration()
	if !ok {
		return nil, transport.ErrClosed
	}
	pid, err := n.lookup(ctx, pi)
	if err != nil {
		return nil, err
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.SessionProtoID))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream to %s: %v", transport.ErrUnreachable, pi, err)
	}

	hello, _ := json.Marshal(proto.SessionHello{From: self.String(), To: pi.String()})
	_ = s.SetWriteDeadline(time.Now().Add(helloTimeout))
	if _, err := s.Write(append(hello, '\n')); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("%w: hello to %s: %v", transport.ErrUnreachable, pi, err)
	}
	_ = s.SetWriteDeadline(time.Time{})
	return n.track(newConn(n, s, pi, bufio.NewReader(s))), nil
}

func (n *Node) handleSession(s network.Stream) {
	self, ok := n.registration()
	if !ok {
		_ = s.Reset()
		return
	}
	remote := s.Conn().RemotePeer()

	r := bufio.NewReader(s)
	_ = s.SetReadDeadline(time.Now().Add(helloTimeout))
	line, err := r.ReadBytes('\n')
	if err != nil {
		log.Debugf("session hello from %s: %v", remote, err)
		_ = s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	var hello proto.SessionHello
	if err := json.Unmarshal(line, &hello); err != nil || hello.From == "" {
		log.Warnf("bad session hello from %s", remote)
		_ = s.Reset()
		return
	}
	if hello.To != self.String() {
		log.Warnf("session from %s addressed to %s, not us", remote, hello.To)
		_ = s.Reset()
		return
	}
	from := identity.PeerIdentity(hello.From)
	if !n.claim(from, remote) {
		log.Warnf("%s is not the peer announcing %s", remote, from.Short())
		_ = s.Reset()
		return
	}

	c := n.track(newConn(n, s, from, r))
	select {
	case n.inbound <- c:
	default:
		log.Warnf("inbound queue full, dropping session from %s", from.Short())
		_ = c.Close()
	}
}

func (n *Node) track(c *conn) *conn {
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()
	return c
}

func (n *Node) untrack(c *conn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

// conn is a session stream. Writes go through a buffered queue drained by
// its own goroutine, so Send only blocks when the queue is full.
type conn struct {
	n      *Node
	s      network.Stream
	r      *bufio.Reader
	remote identity.PeerIdentity

	out    chan []byte
	frames chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ transport.Conn = (*conn)(nil)

func newConn(n *Node, s network.Stream, remote identity.PeerIdentity, r *bufio.Reader) *conn {
	c := &conn{
		n:      n,
		s:      s,
		r:      r,
		remote: remote,
		out:    make(chan []byte, sendBuffer),
		frames: make(chan []byte, frameBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *conn) Remote() identity.PeerIdentity { return c.remote }

func (c *conn) Frames() <-chan []byte { return c.frames }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues frame. Frames must not contain a newline; compact JSON never
// does.
func (c *conn) Send(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errors.New("p2p: frame contains a newline")
	}
	if len(frame) > maxFrame {
		return errFrameTooLarge
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	t := time.NewTimer(writeTimeout)
	defer t.Stop()
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-t.C:
		return errors.New("p2p: send queue full")
	}
}

func (c *conn) Close() error {
	c.finish(nil, true)
	return nil
}

// finish records err as the reason the connection ended. Only the first call
// counts.
func (c *conn) finish(err error, local bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if local || err == nil {
			_ = c.s.Close()
		} else {
			_ = c.s.Reset()
		}
		c.n.untrack(c)
	})
}

func (c *conn) readLoop() {
	defer close(c.frames)
	for {
		_ = c.s.SetReadDeadline(time.Now().Add(silence))
		line, err := c.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = c.readLong(line)
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.finish(transport.ErrClosed, false)
			case isTimeout(err):
				c.finish(fmt.Errorf("%w: %v", transport.ErrClosed, errSilent), false)
			default:
				c.finish(fmt.Errorf("%w: %v", transport.ErrClosed, err), false)
			}
			return
		}
		frame := make([]byte, len(line)-1)
		copy(frame, line)
		if len(frame) == 0 {
			continue
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readLong continues a line longer than the reader's buffer.
func (c *conn) readLong(prefix []byte) ([]byte, error) {
	buf := append([]byte(nil), prefix...)
	for {
		more, err := c.r.ReadSlice('\n')
		buf = append(buf, more...)
		if len(buf) > maxFrame {
			return nil, errFrameTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func (c *conn) writeLoop() {
	idle := time.NewTicker(keepalive)
	defer idle.Stop()
	wrote := false
	for {
		select {
		case <-c.done:
			return
		case <-idle.C:
			if wrote {
				wrote = false
				continue
			}
			_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.s.Write([]byte{'\n'}); err != nil {
				c.finish(fmt.Errorf("%w: %v", transport.ErrClosed, err), false)
				return
			}
		case frame := <-c.out:
			wrote = true
			_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
			line := make([]byte, len(frame)+1)
			copy(line, frame)
			line[len(frame)] = '\n'
			if _, err := c.s.Write(line); err != nil {
				c.finish(fmt.Errorf("%w: %v", transport.ErrClosed, err), false)
				return
			}
		}
	}
}
