package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/wire"
)

type outbox struct {
	sent []wire.Envelope
	err  error
}

func (o *outbox) Publish(env wire.Envelope) error {
	o.sent = append(o.sent, env)
	return o.err
}

func openShared(t *testing.T) (*Shared, *outbox, *storage.DB) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	out := &outbox{}
	s, err := New(out, db, "alice", "moonlight")
	require.NoError(t, err)
	return s, out, db
}

var (
	songA = wire.MediaItem{ID: "s1", Title: "A"}
	songB = wire.MediaItem{ID: "s2", Title: "B"}
)

func TestReplaceLibraryPublishesAndPersists(t *testing.T) {
	s, out, db := openShared(t)
	var kinds []EventKind
	s.OnChange(func(ev Event) { kinds = append(kinds, ev.Kind) })

	require.NoError(t, s.ReplaceLibrary(wire.LibraryPlaylist, []wire.MediaItem{songA, songB}))
	require.Len(t, out.sent, 1)
	ls := out.sent[0].(wire.LibrarySync)
	assert.Equal(t, wire.LibraryPlaylist, ls.Kind)
	assert.Equal(t, []wire.MediaItem{songA, songB}, ls.Items)
	assert.Equal(t, []EventKind{EventLibrary}, kinds)

	reopened, err := New(&outbox{}, db, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, []wire.MediaItem{songA, songB}, reopened.Library(wire.LibraryPlaylist))
	assert.Empty(t, reopened.Library(wire.LibraryWatchlist))
}

func TestLibraryAddReplacesSameID(t *testing.T) {
	s, _, _ := openShared(t)
	require.NoError(t, s.AddToLibrary(wire.LibraryWatchlist, songA))
	renamed := songA
	renamed.Title = "A2"
	require.NoError(t, s.AddToLibrary(wire.LibraryWatchlist, renamed))
	require.NoError(t, s.AddToLibrary(wire.LibraryWatchlist, songB))
	assert.Equal(t, []wire.MediaItem{renamed, songB}, s.Library(wire.LibraryWatchlist))

	require.NoError(t, s.RemoveFromLibrary(wire.LibraryWatchlist, "s1"))
	assert.Equal(t, []wire.MediaItem{songB}, s.Library(wire.LibraryWatchlist))
}

func TestRemoteLibraryOverwritesWithoutEcho(t *testing.T) {
	s, out, _ := openShared(t)
	require.NoError(t, s.ReplaceLibrary(wire.LibraryPlaylist, []wire.MediaItem{songA}))
	s.HandleLibrarySync(wire.LibrarySync{Kind: wire.LibraryPlaylist, Items: []wire.MediaItem{songB}})
	assert.Equal(t, []wire.MediaItem{songB}, s.Library(wire.LibraryPlaylist))
	assert.Len(t, out.sent, 1)
}

func TestLocalChangeSurvivesPublishFailure(t *testing.T) {
	s, out, _ := openShared(t)
	out.err = errors.New("not connected")
	assert.Error(t, s.ReplaceLibrary(wire.LibraryPlaylist, []wire.MediaItem{songA}))
	assert.Equal(t, []wire.MediaItem{songA}, s.Library(wire.LibraryPlaylist))
	assert.Error(t, s.ReplaceLibrary("queue", nil))
}

func TestVaultPassword(t *testing.T) {
	s, out, db := openShared(t)
	assert.Equal(t, "moonlight", s.VaultPassword())
	assert.ErrorIs(t, s.SetVaultPassword(""), ErrEmptyPassword)

	require.NoError(t, s.SetVaultPassword("sunrise"))
	assert.Equal(t, wire.SettingsSync{VaultPassword: "sunrise"}, out.sent[0])

	s.HandleSettingsSync(wire.SettingsSync{VaultPassword: "dusk"})
	assert.Equal(t, "dusk", s.VaultPassword())

	reopened, err := New(&outbox{}, db, "alice", "moonlight")
	require.NoError(t, err)
	assert.Equal(t, "dusk", reopened.VaultPassword())
}

func TestLocations(t *testing.T) {
	s, out, db := openShared(t)
	assert.ErrorIs(t, s.UpdateLocation(91, 0, true), ErrInvalidLocation)

	require.NoError(t, s.UpdateLocation(52.37, 4.89, true))
	lu := out.sent[0].(wire.LocationUpdate)
	assert.Equal(t, "alice", lu.SenderID)
	assert.True(t, lu.IsActive)

	s.HandleLocation(wire.LocationUpdate{SenderID: "bob", Latitude: 1, Longitude: 2, Timestamp: 5})
	s.HandleLocation(wire.LocationUpdate{SenderID: "bob", Latitude: 3, Longitude: 4, Timestamp: 6})
	locs := s.Locations()
	require.Len(t, locs, 2)
	assert.Equal(t, "bob", locs[1].SenderID)
	assert.Equal(t, 3.0, locs[1].Latitude)

	stored, err := db.Locations()
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestPartnerPresence(t *testing.T) {
	s, _, _ := openShared(t)
	var n int
	s.OnChange(func(ev Event) {
		if ev.Kind == EventPresence {
			n++
		}
	})
	s.SetPartnerOnline(true)
	s.SetPartnerOnline(true)
	assert.True(t, s.Partner().Online)
	assert.False(t, s.Partner().LastSeen.IsZero())

	s.SetPartnerOnline(false)
	assert.False(t, s.Partner().Online)
	assert.False(t, s.Partner().OfflineSince.IsZero())
	assert.Equal(t, 2, n)
}
