// Package chat holds the conversation with the counterpart: persisted
// messages, a bounded in-memory history, and both sides' typing state.
//
// Manager lives on the event loop and is not safe for concurrent use.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/util"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("chat")

const (
	// DefaultHistorySize is the number of messages kept in memory
	DefaultHistorySize = 100

	DefaultTypingInterval = time.Second
	DefaultTypingIdle     = 2 * time.Second
)

var ErrEmptyMessage = errors.New("chat: message has neither text nor media")

type Publisher interface {
	Publish(env wire.Envelope) error
}

// Store persists messages. storage.DB satisfies it.
type Store interface {
	InsertMessage(m storage.Message) (bool, error)
	RecentMessages(limit int) ([]storage.Message, error)
	MarkRead(senderID string) (int64, error)
	ClearMessages() error
}

type Options struct {
	HistorySize int
	// TypingInterval is the minimum gap between two TYPING_START envelopes.
	TypingInterval time.Duration
	// TypingIdle sends TYPING_STOP after this long without a keystroke.
	TypingIdle time.Duration
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventTyping
	EventRead
	EventCleared
)

type Event struct {
	Kind    EventKind
	Message Message // EventMessage only
}

// Manager handles chat for the local user
type Manager struct {
	loop    *eventloop.Loop
	pub     Publisher
	store   Store
	self    string
	partner string
	opts    Options

	history *util.RingBuffer[Message]
	limiter *rate.Limiter

	typing        bool
	typingGen     uint64
	idle          *time.Timer
	partnerTyping bool

	listeners []func(Event)
}

// New creates a chat manager and loads the most recent history from store.
func New(loop *eventloop.Loop, pub Publisher, store Store, self, partner string, opts Options) (*Manager, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	m := &Manager{
		loop:    loop,
		pub:     pub,
		store:   store,
		self:    self,
		partner: partner,
		opts:    opts,
		history: util.NewRingBuffer[Message](opts.HistorySize),
		limiter: rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
	}
	recent, err := store.RecentMessages(opts.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	for _, r := range recent {
		m.history.Push(fromRecord(r))
	}
	return m, nil
}

// OnChange registers fn for every visible chat change.
func (m *Manager) OnChange(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

// History returns the in-memory messages, oldest first.
func (m *Manager) History() []Message {
	return m.history.Snapshot()
}

func (m *Manager) PartnerTyping() bool { return m.partnerTyping }

// Unread counts partner messages in history not yet marked read.
func (m *Manager) Unread() int {
	n := 0
	for _, msg := range m.history.Snapshot() {
		if msg.SenderID == m.partner && !msg.Read {
			n++
		}
	}
	return n
}

// Send stores a new message and publishes it. The message is kept locally
// even when publishing fails; the publish error is returned alongside it.
func (m *Manager) Send(text, mediaRef, mediaType string) (Message, error) {
	if strings.TrimSpace(text) == "" && mediaRef == "" {
		return Message{}, ErrEmptyMessage
	}
	msg := NewMessage(m.self, text, mediaRef, mediaType)
	msg.Read = true
	if _, err := m.store.InsertMessage(msg.record()); err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	m.history.Push(msg)
	m.emit(Event{Kind: EventMessage, Message: msg})

	m.StopTyping()
	if err := m.pub.Publish(msg.envelope()); err != nil {
		log.Debugf("message %s kept locally: %v", msg.ID, err)
		return msg, err
	}
	return msg, nil
}

// Receive records a message from the counterpart. A message id already
// stored is ignored. Receipt always clears the partner's typing flag.
func (m *Manager) Receive(c wire.Chat) bool {
	m.setPartnerTyping(false)

	msg := fromWire(c)
	inserted, err := m.store.InsertMessage(msg.record())
	if err != nil {
		log.Warnf("store message %s: %v", msg.ID, err)
		return false
	}
	if !inserted {
		log.Debugf("duplicate message %s ignored", msg.ID)
		return false
	}
	m.history.Push(msg)
	m.emit(Event{Kind: EventMessage, Message: msg})
	return true
}

// Typing records a local keystroke. TYPING_START is published at most once
// per TypingInterval; TYPING_STOP follows after TypingIdle of silence.
func (m *Manager) Typing() {
	if m.limiter.Allow() || !m.typing {
		if err := m.pub.Publish(wire.TypingStart{}); err != nil {
			log.Debugf("typing start: %v", err)
		}
	}
	m.typing = true
	m.typingGen++
	gen := m.typingGen
	if m.idle != nil {
		m.idle.Stop()
	}
	m.idle = time.AfterFunc(m.opts.TypingIdle, func() {
		m.loop.Post(func() {
			if m.typing && m.typingGen == gen {
				m.StopTyping()
			}
		})
	})
}

// StopTyping publishes TYPING_STOP if the local user was typing.
func (m *Manager) StopTyping() {
	if !m.typing {
		return
	}
	m.typing = false
	m.typingGen++
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	if err := m.pub.Publish(wire.TypingStop{}); err != nil {
		log.Debugf("typing stop: %v", err)
	}
}

func (m *Manager) HandleTypingStart() { m.setPartnerTyping(true) }
func (m *Manager) HandleTypingStop()  { m.setPartnerTyping(false) }

// PartnerGone clears the partner's typing flag, e.g. when the session closes.
func (m *Manager) PartnerGone() { m.setPartnerTyping(false) }

// MarkRead flags every partner message as read.
func (m *Manager) MarkRead() error {
	n, err := m.store.MarkRead(m.partner)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	m.history.Update(func(msg Message) Message {
		if msg.SenderID == m.partner {
			msg.Read = true
		}
		return msg
	})
	if n > 0 {
		m.emit(Event{Kind: EventRead})
	}
	return nil
}

// Clear deletes the local history. The counterpart keeps theirs, and a
// redelivered message that was cleared is still treated as a duplicate.
func (m *Manager) Clear() error {
	if err := m.store.ClearMessages(); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	m.history.Reset()
	m.emit(Event{Kind: EventCleared})
	return nil
}

// Reset drops typing state on both sides. History is kept.
func (m *Manager) Reset() {
	m.typing = false
	m.typingGen++
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.setPartnerTyping(false)
}

func (m *Manager) setPartnerTyping(v bool) {
	if m.partnerTyping == v {
		return
	}
	m.partnerTyping = v
	m.emit(Event{Kind: EventTyping})
}

func (m *Manager) emit(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}
