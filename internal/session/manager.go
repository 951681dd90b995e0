// Package session owns the single logical connection to the counterpart.
//
// Both peers register and then dial each other. Whichever connection opens
// last becomes canonical and the previous one is closed, unless the
// symmetric-dial tie-break keeps the previous one. The connection that loses
// the tie-break is held as a standby until the canonical one delivers a
// frame; if the canonical one ends first the standby takes over. Every canonical
// connection gets a new generation; events from an older generation are
// ignored, so a superseded connection closing late cannot clear state that
// belongs to its replacement.
//
// All methods must be called on the event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/metrics"
	"github.com/petervdpas/sanctuary/internal/transport"
)

var log = logging.Logger("session")

var (
	ErrNotConnected = errors.New("session: not connected")
	ErrActive       = errors.New("session: already active")
	ErrNotActivated = errors.New("session: not activated")
)

type State int

const (
	Idle State = iota
	Dialing
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventInbound
)

// Event is a lifecycle notification. Generation identifies the canonical
// connection the event belongs to.
type Event struct {
	Kind       EventKind
	Peer       identity.PeerIdentity
	Generation uint64
	Err        error
}

// Sink receives frames from the canonical connection and lifecycle events.
// It is always called on the event loop.
type Sink interface {
	HandleFrame(raw []byte)
	HandleLifecycle(ev Event)
}

type Options struct {
	// DuplicateWindow breaks the symmetric-dial tie. When an inbound and an
	// outbound connection both open within this window, each side keeps the
	// one dialed by the lexicographically smaller identity. Zero disables the
	// tie-break and the newest connection always wins.
	DuplicateWindow time.Duration
	DialTimeout     time.Duration
}

// Status is a read-only view for the UI.
type Status struct {
	State       State                 `json:"state"`
	Self        identity.PeerIdentity `json:"self"`
	Counterpart identity.PeerIdentity `json:"counterpart"`
	Generation  uint64                `json:"generation"`
	OpenedAt    time.Time             `json:"opened_at,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
}

type Manager struct {
	tr   transport.Transport
	loop *eventloop.Loop
	sink Sink
	opts Options
	now  func() time.Time

	self        identity.PeerIdentity
	counterpart identity.PeerIdentity
	state       State
	epoch       uint64 // bumped by Activate and Deactivate
	gen         uint64
	canonical   *link
	standby     *link
	lastErr     error
	cancel      context.CancelFunc
}

// maxHeld bounds the frames buffered on a standby link.
const maxHeld = 256

// link is one adopted connection.
type link struct {
	conn     transport.Conn
	gen      uint64
	outbound bool
	openedAt time.Time
	held     [][]byte
}

func New(tr transport.Transport, loop *eventloop.Loop, sink Sink, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &Manager{
		tr:   tr,
		loop: loop,
		sink: sink,
		opts: opts,
		now:  time.Now,
	}
}

func (m *Manager) State() State { return m.state }

func (m *Manager) Status() Status {
	st := Status{
		State:       m.state,
		Self:        m.self,
		Counterpart: m.counterpart,
		Generation:  m.gen,
	}
	if m.canonical != nil {
		st.OpenedAt = m.canonical.openedAt
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Activate registers self with the transport and, once registration is
// confirmed, dials counterpart. It returns immediately; progress is reported
// through the Sink. Inbound connections from anyone but counterpart are
// refused. A failed registration leaves the manager unactivated and the error
// in Status.
func (m *Manager) Activate(ctx context.Context, self, counterpart identity.PeerIdentity) error {
	if m.cancel != nil {
		return ErrActive
	}
	m.epoch++
	epoch := m.epoch
	m.self, m.counterpart = self, counterpart
	m.setState(Idle)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.watchInbound(ctx, epoch)
	go func() {
		if err := m.tr.Register(ctx, self); err != nil {
			log.Warnf("register %s failed: %v", self, err)
			m.loop.Post(func() {
				if m.epoch != epoch {
					return
				}
				// back to unactivated so Activate can be retried
				m.lastErr = err
				m.cancel()
				m.cancel = nil
				m.epoch++
				m.setState(Idle)
			})
			return
		}
		log.Infof("registered as %s", self)
		m.loop.Post(func() {
			if m.epoch == epoch {
				m.dial(ctx, epoch)
			}
		})
	}()
	return nil
}

// Redial attempts one more outbound connection. It does nothing while a
// connection is Open.
func (m *Manager) Redial(ctx context.Context) error {
	if m.cancel == nil {
		return ErrNotActivated
	}
	if m.state == Open || m.state == Dialing {
		return nil
	}
	m.dial(ctx, m.epoch)
	return nil
}

// Deactivate releases the registration and the open connection. In-flight
// dials complete into nothing.
func (m *Manager) Deactivate() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.epoch++
	if l := m.canonical; l != nil {
		m.canonical = nil
		_ = l.conn.Close()
	}
	m.dropStandby()
	if err := m.tr.Close(); err != nil {
		log.Warnf("transport close: %v", err)
	}
	m.setState(Idle)
	log.Infof("deactivated %s", m.self)
}

// Send writes frame to the canonical connection. Nothing is queued: with no
// Open connection the frame is dropped and ErrNotConnected returned.
func (m *Manager) Send(frame []byte) error {
	if m.state != Open || m.canonical == nil {
		return ErrNotConnected
	}
	if err := m.canonical.conn.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, epoch uint64) {
	if m.state != Open {
		m.setState(Dialing)
	}
	peer := m.counterpart
	go func() {
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
		conn, err := m.tr.Dial(dctx, peer)
		m.loop.Post(func() {
			if m.epoch != epoch {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				log.Infof("dial %s failed: %v", peer, err)
				m.lastErr = err
				if m.state == Dialing {
					m.setState(Idle)
				}
				return
			}
			m.adopt(conn, true)
		})
	}()
}

func (m *Manager) watchInbound(ctx context.Context, epoch uint64) {
	in := m.tr.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-in:
			if !ok {
				return
			}
			posted := m.loop.Post(func() {
				if m.epoch != epoch {
					_ = conn.Close()
					return
				}
				if conn.Remote() != m.counterpart {
					log.Warnf("refusing inbound connection from %s", conn.Remote())
					_ = conn.Close()
					return
				}
				m.sink.HandleLifecycle(Event{Kind: EventInbound, Peer: conn.Remote(), Generation: m.gen})
				m.adopt(conn, false)
			})
			if !posted {
				_ = conn.Close()
				return
			}
		}
	}
}

// adopt makes conn canonical unless the symmetric-dial tie-break keeps the
// current one, in which case conn becomes the standby.
func (m *Manager) adopt(conn transport.Conn, outbound bool) {
	now := m.now()
	l := &link{conn: conn, outbound: outbound, openedAt: now}
	if prev := m.canonical; prev != nil && m.keepExisting(prev, outbound, now) {
		log.Debugf("duplicate connection from %s held by tie-break", conn.Remote())
		m.dropStandby()
		m.standby = l
		go m.read(l)
		return
	}
	m.dropStandby()
	m.install(l)
	go m.read(l)
}

// install makes l canonical under a new generation.
func (m *Manager) install(l *link) {
	m.gen++
	l.gen = m.gen
	prev := m.canonical
	m.canonical = l
	if prev != nil {
		log.Infof("connection gen %d superseded by gen %d", prev.gen, l.gen)
		_ = prev.conn.Close()
	}
	m.lastErr = nil
	m.setState(Open)
	metrics.ConnectionOpened()
	log.Infof("connection open to %s (gen %d, outbound=%v)", l.conn.Remote(), l.gen, l.outbound)
	m.sink.HandleLifecycle(Event{Kind: EventOpen, Peer: l.conn.Remote(), Generation: l.gen})

	held := l.held
	l.held = nil
	for _, f := range held {
		if m.canonical != l {
			return
		}
		m.sink.HandleFrame(f)
	}
}

func (m *Manager) dropStandby() {
	if l := m.standby; l != nil {
		m.standby = nil
		_ = l.conn.Close()
	}
}

func (m *Manager) keepExisting(prev *link, outbound bool, now time.Time) bool {
	if m.opts.DuplicateWindow <= 0 || prev.outbound == outbound {
		return false
	}
	if now.Sub(prev.openedAt) > m.opts.DuplicateWindow {
		return false
	}
	// the winner is the connection dialed by the smaller identity
	selfWins := m.self < m.counterpart
	return prev.outbound == selfWins
}

// read pumps frames of l onto the loop until the connection ends.
func (m *Manager) read(l *link) {
	for frame := range l.conn.Frames() {
		f := frame
		if !m.loop.Post(func() { m.frame(l, f) }) {
			return
		}
	}
	err := l.conn.Err()
	m.loop.Post(func() { m.lost(l, err) })
}

func (m *Manager) frame(l *link, f []byte) {
	switch l {
	case m.canonical:
		if m.standby != nil {
			log.Debugf("gen %d is live, closing standby", l.gen)
			m.dropStandby()
		}
		m.sink.HandleFrame(f)
	case m.standby:
		if len(l.held) < maxHeld {
			l.held = append(l.held, f)
		}
	}
}

func (m *Manager) lost(l *link, err error) {
	if m.standby == l {
		m.standby = nil
		log.Debugf("standby connection ended")
		return
	}
	if m.canonical != l {
		log.Debugf("superseded connection gen %d ended", l.gen)
		return
	}
	if sb := m.standby; sb != nil {
		log.Infof("connection gen %d lost (%v), switching to standby", l.gen, err)
		m.standby = nil
		m.canonical = nil
		m.install(sb)
		return
	}
	m.canonical = nil
	m.lastErr = err
	m.setState(Closed)
	if err != nil {
		log.Warnf("connection gen %d lost: %v", l.gen, err)
	} else {
		log.Infof("connection gen %d closed", l.gen)
	}
	m.sink.HandleLifecycle(Event{Kind: EventClose, Peer: l.conn.Remote(), Generation: l.gen, Err: err})
}

func (m *Manager) setState(s State) {
	m.state = s
	metrics.ConnectionState(int(s))
}
