// Package call runs the call session state machine on top of the media
// side of the transport.
//
//	None ──place──▶ RingingOutbound ──remote stream──▶ Connected
//	None ──ring───▶ RingingInbound  ──accept─────────▶ Connected
//	RingingInbound ──reject──▶ Ended
//	Connected | Ringing* ──hang up / remote close / error──▶ Ended
//
// Ended is terminal. A new call starts from a fresh place or ring. Local
// capture is acquired only on place or accept and is stopped on every path
// into Ended.
//
// All methods must be called on the event loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/metrics"
	"github.com/petervdpas/sanctuary/internal/transport"
)

var log = logging.Logger("call")

var (
	ErrMediaPermissionDenied = errors.New("call: media permission denied")
	ErrBusy                  = errors.New("call: a call is already in progress")
	ErrInvalidTransition     = errors.New("call: invalid transition")
)

// Dialer is the call half of the transport.
type Dialer interface {
	Call(ctx context.Context, peer identity.PeerIdentity, local transport.LocalStream) (transport.CallHandle, error)
}

// MediaSource acquires local capture. Acquire fails with an error wrapping
// ErrMediaPermissionDenied when capture is refused.
type MediaSource interface {
	Acquire(ctx context.Context) (transport.LocalStream, error)
}

// Manager holds at most one call session.
type Manager struct {
	loop        *eventloop.Loop
	dialer      Dialer
	media       MediaSource
	counterpart identity.PeerIdentity
	now         func() time.Time

	cur      *session
	attempt  uint64
	onChange []func(Snapshot)
}

func New(loop *eventloop.Loop, dialer Dialer, media MediaSource, counterpart identity.PeerIdentity) *Manager {
	return &Manager{
		loop:        loop,
		dialer:      dialer,
		media:       media,
		counterpart: counterpart,
		now:         time.Now,
	}
}

// OnChange registers fn to run after every state change.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.onChange = append(m.onChange, fn)
}

// Current returns the current session, or a State None snapshot.
func (m *Manager) Current() Snapshot {
	if m.cur == nil {
		return Snapshot{State: None}
	}
	return m.cur.snapshot()
}

func (m *Manager) busy() bool {
	return m.cur != nil && m.cur.state != Ended
}

// PlaceOutboundCall acquires capture and offers it to peer.
func (m *Manager) PlaceOutboundCall(peer identity.PeerIdentity) error {
	if m.busy() {
		return ErrBusy
	}
	s := m.begin(peer, true, RingingOutbound)
	ctx := s.ctx
	attempt := s.attempt
	log.Infof("calling %s (%s)", peer, s.id)

	go func() {
		local, err := m.media.Acquire(ctx)
		if err != nil {
			m.loop.Post(func() { m.failed(attempt, nil, nil, fmt.Errorf("%w: %v", ErrMediaPermissionDenied, err)) })
			return
		}
		h, err := m.dialer.Call(ctx, peer, local)
		m.loop.Post(func() {
			if !m.current(attempt, RingingOutbound) {
				m.release(local, h)
				return
			}
			if err != nil {
				m.failed(attempt, local, nil, err)
				return
			}
			m.cur.local, m.cur.handle = local, h
			go m.watch(h, attempt)
		})
	}()
	return nil
}

// HandleIncoming records an inbound ring. Rings while a call is live, and
// rings from anyone but the counterpart, are closed at once.
func (m *Manager) HandleIncoming(h transport.CallHandle) {
	if h.Remote() != m.counterpart {
		log.Warnf("closing call from unexpected peer %s", h.Remote())
		_ = h.Close()
		return
	}
	if m.busy() {
		log.Infof("closing second ring from %s while %s", h.Remote(), m.cur.state)
		_ = h.Close()
		return
	}
	s := m.begin(h.Remote(), false, RingingInbound)
	s.handle = h
	log.Infof("incoming call from %s (%s)", h.Remote(), s.id)
	go m.watch(h, s.attempt)
}

// Accept acquires capture and answers the ringing inbound call.
func (m *Manager) Accept() error {
	if m.cur == nil || m.cur.state != RingingInbound {
		return ErrInvalidTransition
	}
	if m.cur.accepting {
		return nil
	}
	m.cur.accepting = true
	ctx, h, attempt := m.cur.ctx, m.cur.handle, m.cur.attempt

	go func() {
		local, err := m.media.Acquire(ctx)
		if err != nil {
			m.loop.Post(func() { m.failed(attempt, nil, nil, fmt.Errorf("%w: %v", ErrMediaPermissionDenied, err)) })
			return
		}
		err = h.Answer(ctx, local)
		m.loop.Post(func() {
			if !m.current(attempt, RingingInbound) {
				local.Stop()
				return
			}
			if err != nil {
				m.failed(attempt, local, nil, err)
				return
			}
			m.cur.local = local
			m.connected()
		})
	}()
	return nil
}

// Reject closes the ringing inbound call without touching capture.
func (m *Manager) Reject() error {
	if m.cur == nil || m.cur.state != RingingInbound {
		return ErrInvalidTransition
	}
	m.end(nil, "rejected")
	return nil
}

// HangUp ends a ringing or connected call.
func (m *Manager) HangUp() error {
	if !m.busy() {
		return ErrInvalidTransition
	}
	m.end(nil, "hangup")
	return nil
}

// Close hangs up whatever is live. Used on logout.
func (m *Manager) Close() {
	if m.busy() {
		m.end(nil, "shutdown")
	}
}

func (m *Manager) begin(peer identity.PeerIdentity, outbound bool, st State) *session {
	m.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       uuid.NewString(),
		attempt:  m.attempt,
		peer:     peer,
		outbound: outbound,
		state:    st,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.cur = s
	m.changed()
	return s
}

func (m *Manager) current(attempt uint64, st State) bool {
	return m.cur != nil && m.cur.attempt == attempt && m.cur.state == st
}

// watch forwards call events of h to the loop.
func (m *Manager) watch(h transport.CallHandle, attempt uint64) {
	for ev := range h.Events() {
		ev := ev
		m.loop.Post(func() { m.event(attempt, ev) })
	}
}

func (m *Manager) event(attempt uint64, ev transport.CallEvent) {
	if m.cur == nil || m.cur.attempt != attempt || m.cur.state == Ended {
		return
	}
	switch ev.Kind {
	case transport.CallRemoteStream:
		m.cur.remote = ev.Stream
		if m.cur.state == RingingOutbound {
			m.connected()
			return
		}
		m.changed()
	case transport.CallClosed:
		if ev.Err != nil {
			m.end(ev.Err, "error")
			return
		}
		m.end(nil, "remote_close")
	}
}

func (m *Manager) connected() {
	m.cur.state = Connected
	m.cur.startedAt = m.now()
	log.Infof("call %s connected with %s", m.cur.id, m.cur.peer)
	m.changed()
}

// failed ends attempt with err, releasing local and h if the attempt is no
// longer current.
func (m *Manager) failed(attempt uint64, local transport.LocalStream, h transport.CallHandle, err error) {
	if m.cur == nil || m.cur.attempt != attempt || m.cur.state == Ended {
		m.release(local, h)
		return
	}
	if local != nil {
		m.cur.local = local
	}
	outcome := "error"
	if errors.Is(err, ErrMediaPermissionDenied) {
		outcome = "permission_denied"
	}
	m.end(err, outcome)
}

func (m *Manager) release(local transport.LocalStream, h transport.CallHandle) {
	if local != nil {
		local.Stop()
	}
	if h != nil {
		_ = h.Close()
	}
}

func (m *Manager) end(err error, outcome string) {
	s := m.cur
	s.cancel()
	m.release(s.local, s.handle)
	s.local, s.handle = nil, nil
	s.state = Ended
	s.endedAt = m.now()
	s.err = err

	var secs float64
	if !s.startedAt.IsZero() {
		secs = s.endedAt.Sub(s.startedAt).Seconds()
	}
	metrics.CallEnded(outcome, secs)
	if err != nil {
		log.Warnf("call %s ended (%s): %v", s.id, outcome, err)
	} else {
		log.Infof("call %s ended (%s)", s.id, outcome)
	}
	m.changed()
}

func (m *Manager) changed() {
	snap := m.Current()
	for _, fn := range m.onChange {
		fn(snap)
	}
}
