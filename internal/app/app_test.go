package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/call"
	"github.com/petervdpas/sanctuary/internal/config"
	"github.com/petervdpas/sanctuary/internal/session"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/transfer"
	"github.com/petervdpas/sanctuary/internal/transport/memnet"
	"github.com/petervdpas/sanctuary/internal/viewer"
	"github.com/petervdpas/sanctuary/internal/wire"
)

const wait = 5 * time.Second

type peer struct {
	app    *App
	db     *storage.DB
	cancel context.CancelFunc
	done   chan struct{}
}

func startPeer(t *testing.T, n *memnet.Network, email string) *peer {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.Email = email

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a, err := New(cfg, Deps{Transport: n.Endpoint(), Media: call.ReceiveOnly{}, DB: db})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{app: a, db: db, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		assert.NoError(t, a.Run(ctx))
	}()
	t.Cleanup(p.stop)
	return p
}

func (p *peer) stop() {
	p.cancel()
	<-p.done
}

func (p *peer) snap(t *testing.T) Snapshot {
	t.Helper()
	s, err := p.app.Snapshot(context.Background())
	require.NoError(t, err)
	return s.(Snapshot)
}

func (p *peer) do(t *testing.T, typ string, data any) error {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return p.app.Intent(context.Background(), viewer.Intent{Type: typ, Data: raw})
}

func pair(t *testing.T) (a, b *peer) {
	t.Helper()
	n := memnet.NewNetwork()
	a = startPeer(t, n, "you@example.com")
	b = startPeer(t, n, "partner@example.com")
	for _, p := range []*peer{a, b} {
		p := p
		require.Eventually(t, func() bool {
			s := p.snap(t)
			return s.Session.State == session.Open && s.Presence.Online
		}, wait, 10*time.Millisecond)
	}
	return a, b
}

func TestChatReachesPartner(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.do(t, "chat.send", map[string]string{"text": "hello"}))

	require.Eventually(t, func() bool { return len(b.snap(t).Chat.Messages) == 1 }, wait, 10*time.Millisecond)
	got := b.snap(t).Chat
	assert.Equal(t, "hello", got.Messages[0].Text)
	assert.Equal(t, "1", got.Messages[0].SenderID)
	assert.Equal(t, 1, got.Unread)

	require.NoError(t, b.do(t, "chat.read", nil))
	assert.Equal(t, 0, b.snap(t).Chat.Unread)

	mine := a.snap(t).Chat.Messages
	require.Len(t, mine, 1)
	assert.True(t, mine[0].Read)
}

func TestTypingIndicator(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.do(t, "chat.typing", map[string]bool{"active": true}))
	require.Eventually(t, func() bool { return b.snap(t).Chat.PartnerTyping }, wait, 10*time.Millisecond)

	require.NoError(t, a.do(t, "chat.typing", map[string]bool{"active": false}))
	require.Eventually(t, func() bool { return !b.snap(t).Chat.PartnerTyping }, wait, 10*time.Millisecond)
}

func TestPlaybackFollowsPartner(t *testing.T) {
	a, b := pair(t)

	item := wire.MediaItem{ID: "yt1", Title: "Clip", URL: "https://example.com/clip.mp4", Duration: 90}
	require.NoError(t, a.do(t, "media.set_item", map[string]any{"room": "video", "item": item}))
	require.NoError(t, a.do(t, "media.play", map[string]any{"room": "video"}))
	require.NoError(t, a.do(t, "media.seek", map[string]any{"room": "video", "position": 42.5}))

	require.Eventually(t, func() bool {
		st := b.snap(t).Playback[wire.RoomVideo]
		return st.Item != nil && st.Playing && st.Position == 42.5
	}, wait, 10*time.Millisecond)
	assert.Equal(t, "yt1", b.snap(t).Playback[wire.RoomVideo].Item.ID)
	assert.Nil(t, b.snap(t).Playback[wire.RoomAudio].Item)
}

func TestPauseReportsLivePosition(t *testing.T) {
	a, b := pair(t)

	item := wire.MediaItem{ID: "s1", Title: "Song", URL: "https://example.com/s.mp3"}
	require.NoError(t, a.do(t, "media.set_item", map[string]any{"room": "audio", "item": item}))
	require.NoError(t, a.do(t, "media.seek", map[string]any{"room": "audio", "position": 10}))
	require.NoError(t, a.do(t, "media.play", map[string]any{"room": "audio"}))
	require.NoError(t, a.do(t, "media.pause", map[string]any{"room": "audio", "position": 61.5}))

	require.Eventually(t, func() bool {
		st := b.snap(t).Playback[wire.RoomAudio]
		return st.Item != nil && !st.Playing && st.Position == 61.5
	}, wait, 10*time.Millisecond)

	assert.Error(t, a.do(t, "media.play", map[string]any{"room": "audio", "position": -1}))
}

func TestUploadTransfersToPartner(t *testing.T) {
	a, b := pair(t)

	data := make([]byte, transfer.ChunkSize*2+100)
	for i := range data {
		data[i] = byte(i)
	}
	id, err := a.app.Upload(context.Background(), viewer.Upload{Name: "Our Song.mp3", MimeType: "audio/mpeg", Data: data})
	require.NoError(t, err)
	assert.Contains(t, id, LocalPrefix)

	require.Eventually(t, func() bool { return b.db.Blobs().Has(id) }, wait, 10*time.Millisecond)
	blob, err := b.db.Blobs().Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, blob.Data)
	assert.Equal(t, "audio/mpeg", blob.MimeType)

	require.Eventually(t, func() bool { return len(b.snap(t).Playlist) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, "Our Song", b.snap(t).Playlist[0].Title)
	assert.True(t, b.snap(t).Playlist[0].IsLocal)
	assert.Empty(t, b.snap(t).Watchlist)
}

func TestSettingsAndLocation(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.do(t, "settings.vault", map[string]string{"password": "secret"}))
	require.NoError(t, a.do(t, "location.update", map[string]any{"latitude": 52.1, "longitude": 5.1, "active": true}))

	require.Eventually(t, func() bool {
		s := b.snap(t)
		return s.Vault == "secret" && len(s.Locations) == 1
	}, wait, 10*time.Millisecond)
	assert.Equal(t, "1", b.snap(t).Locations[0].SenderID)
}

func TestCallRingAcceptHangUp(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.do(t, "call.place", nil))
	require.Eventually(t, func() bool { return b.snap(t).Call.State == call.RingingInbound }, wait, 10*time.Millisecond)

	require.NoError(t, b.do(t, "call.accept", nil))
	require.Eventually(t, func() bool {
		return a.snap(t).Call.State == call.Connected && b.snap(t).Call.State == call.Connected
	}, wait, 10*time.Millisecond)

	require.NoError(t, a.do(t, "call.hangup", nil))
	require.Eventually(t, func() bool { return b.snap(t).Call.State == call.Ended }, wait, 10*time.Millisecond)
}

func TestRejectsBadIntents(t *testing.T) {
	a, _ := pair(t)

	assert.ErrorIs(t, a.do(t, "dance", nil), ErrUnknownIntent)
	assert.Error(t, a.do(t, "library.replace", map[string]any{"kind": "mixtape"}))
	assert.Error(t, a.do(t, "chat.send", map[string]string{}))

	_, err := a.app.Upload(context.Background(), viewer.Upload{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrNotMedia)
}

func TestLogoutTakesPartnerOffline(t *testing.T) {
	a, b := pair(t)

	a.stop()

	require.Eventually(t, func() bool {
		s := b.snap(t)
		return !s.Presence.Online && s.Session.State != session.Open
	}, wait, 10*time.Millisecond)
}

func TestChangesSignalsSubscribers(t *testing.T) {
	a, _ := pair(t)

	ch, cancel := a.app.Changes()
	defer cancel()

	require.NoError(t, a.do(t, "chat.send", map[string]string{"text": "ping"}))
	select {
	case <-ch:
	case <-time.After(wait):
		t.Fatal("no change signal")
	}
}
