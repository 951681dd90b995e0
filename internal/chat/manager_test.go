package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/wire"
)

type outbox struct {
	mu   sync.Mutex
	sent []wire.Envelope
	err  error
}

func (o *outbox) Publish(env wire.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
	return o.err
}

func (o *outbox) tags() []wire.Tag {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]wire.Tag, 0, len(o.sent))
	for _, env := range o.sent {
		out = append(out, env.Tag())
	}
	return out
}

type fixture struct {
	t    *testing.T
	loop *eventloop.Loop
	db   *storage.DB
	out  *outbox
	mgr  *Manager
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
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	out := &outbox{}
	mgr, err := New(loop, out, db, "alice", "bob", opts)
	require.NoError(t, err)
	return &fixture{t: t, loop: loop, db: db, out: out, mgr: mgr}
}

func (f *fixture) on(fn func()) {
	f.t.Helper()
	require.NoError(f.t, f.loop.Do(context.Background(), fn))
}

func TestSendPersistsAndPublishes(t *testing.T) {
	f := newFixture(t, Options{})
	var msg Message
	f.on(func() {
		var err error
		msg, err = f.mgr.Send("hello", "", "")
		require.NoError(t, err)
	})
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, []wire.Tag{wire.TagChat}, f.out.tags())
	assert.Equal(t, msg.ID, f.out.sent[0].(wire.Chat).ID)

	stored, err := f.db.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Text)
}

func TestSendRejectsEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(func() {
		_, err := f.mgr.Send("   ", "", "")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
	assert.Empty(t, f.out.tags())
}

func TestSendKeepsMessageWhenPublishFails(t *testing.T) {
	f := newFixture(t, Options{})
	offline := errors.New("offline")
	f.out.err = offline
	f.on(func() {
		_, err := f.mgr.Send("later", "", "")
		assert.ErrorIs(t, err, offline)
		assert.Len(t, f.mgr.History(), 1)
	})
}

func TestDuplicateChatStoredOnce(t *testing.T) {
	f := newFixture(t, Options{})
	c := wire.Chat{ID: "m1", SenderID: "bob", Text: "hi", Timestamp: 1}
	var events int
	f.on(func() {
		f.mgr.OnChange(func(ev Event) {
			if ev.Kind == EventMessage {
				events++
			}
		})
		assert.True(t, f.mgr.Receive(c))
		assert.False(t, f.mgr.Receive(c))
	})
	assert.Equal(t, 1, events)

	stored, err := f.db.RecentMessages(10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	f.on(func() { assert.Len(t, f.mgr.History(), 1) })
}

func TestReceiveClearsPartnerTyping(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(func() {
		f.mgr.HandleTypingStart()
		assert.True(t, f.mgr.PartnerTyping())
		f.mgr.Receive(wire.Chat{ID: "m1", SenderID: "bob", Text: "done"})
		assert.False(t, f.mgr.PartnerTyping())

		// a duplicate still clears the flag
		f.mgr.HandleTypingStart()
		f.mgr.Receive(wire.Chat{ID: "m1", SenderID: "bob", Text: "done"})
		assert.False(t, f.mgr.PartnerTyping())
	})
}

func TestTypingIsThrottled(t *testing.T) {
	f := newFixture(t, Options{TypingInterval: time.Hour, TypingIdle: time.Hour})
	f.on(func() {
		for i := 0; i < 5; i++ {
			f.mgr.Typing()
		}
		f.mgr.StopTyping()
		f.mgr.StopTyping()
	})
	assert.Equal(t, []wire.Tag{wire.TagTypingStart, wire.TagTypingStop}, f.out.tags())
}

func TestTypingStopsWhenIdle(t *testing.T) {
	f := newFixture(t, Options{TypingIdle: 20 * time.Millisecond})
	f.on(func() { f.mgr.Typing() })
	require.Eventually(t, func() bool {
		tags := f.out.tags()
		return len(tags) == 2 && tags[1] == wire.TagTypingStop
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendStopsTyping(t *testing.T) {
	f := newFixture(t, Options{TypingIdle: time.Hour})
	f.on(func() {
		f.mgr.Typing()
		_, err := f.mgr.Send("x", "", "")
		require.NoError(t, err)
	})
	assert.Equal(t, []wire.Tag{wire.TagTypingStart, wire.TagTypingStop, wire.TagChat}, f.out.tags())
}

func TestMarkReadAndClear(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(func() {
		f.mgr.Receive(wire.Chat{ID: "m1", SenderID: "bob", Text: "a"})
		f.mgr.Receive(wire.Chat{ID: "m2", SenderID: "bob", Text: "b"})
		assert.Equal(t, 2, f.mgr.Unread())
		require.NoError(t, f.mgr.MarkRead())
		assert.Equal(t, 0, f.mgr.Unread())
	})
	n, err := f.db.UnreadCount("bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	f.on(func() {
		require.NoError(t, f.mgr.Clear())
		assert.Empty(t, f.mgr.History())
	})
	stored, err := f.db.RecentMessages(10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRedeliveryAfterClearIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(func() {
		assert.True(t, f.mgr.Receive(wire.Chat{ID: "m1", SenderID: "bob", Text: "a"}))
		require.NoError(t, f.mgr.Clear())
		assert.False(t, f.mgr.Receive(wire.Chat{ID: "m1", SenderID: "bob", Text: "a"}))
		assert.Empty(t, f.mgr.History())
		assert.Zero(t, f.mgr.Unread())
		assert.True(t, f.mgr.Receive(wire.Chat{ID: "m2", SenderID: "bob", Text: "b"}))
	})
}

func TestHistoryReloadedFromStore(t *testing.T) {
	f := newFixture(t, Options{HistorySize: 2})
	f.on(func() {
		for _, id := range []string{"m1", "m2", "m3"} {
			f.mgr.Receive(wire.Chat{ID: id, SenderID: "bob", Text: id, Timestamp: int64(len(id))})
		}
	})
	again, err := New(f.loop, f.out, f.db, "alice", "bob", Options{HistorySize: 2})
	require.NoError(t, err)
	h := again.History()
	require.Len(t, h, 2)
	assert.Equal(t, "m3", h[1].ID)
}
