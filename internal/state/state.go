// Package state holds the small shared documents both peers can replace:
// the playlist and watchlist, the vault password, and the latest location of
// each participant. It also tracks whether the partner is reachable.
//
// Every remote replace simply overwrites local state, so the last envelope
// processed wins. Shared lives on the event loop.
package state

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("state")

const (
	keyPlaylist  = "library.playlist"
	keyWatchlist = "library.watchlist"
	keyVault     = "settings.vault"
)

var ErrInvalidLocation = errors.New("state: coordinates out of range")

type Publisher interface {
	Publish(env wire.Envelope) error
}

// Store persists the documents. storage.DB satisfies it.
type Store interface {
	GetMeta(key string, v any) error
	SetMeta(key string, v any) error
	UpsertLocation(l storage.Location) error
	Locations() ([]storage.Location, error)
}

type EventKind string

const (
	EventLibrary  EventKind = "library"
	EventSettings EventKind = "settings"
	EventLocation EventKind = "location"
	EventPresence EventKind = "presence"
)

type Event struct {
	Kind EventKind
}

type Shared struct {
	pub   Publisher
	store Store
	self  string

	playlist  []wire.MediaItem
	watchlist []wire.MediaItem
	vault     string
	locations map[string]storage.Location
	partner   Presence

	listeners []func(Event)
}

// New loads persisted state. defaultVault is used until a password has
// been set on either side.
func New(pub Publisher, store Store, self, defaultVault string) (*Shared, error) {
	s := &Shared{
		pub:       pub,
		store:     store,
		self:      self,
		vault:     defaultVault,
		locations: make(map[string]storage.Location),
	}
	for key, dst := range map[string]*[]wire.MediaItem{keyPlaylist: &s.playlist, keyWatchlist: &s.watchlist} {
		if err := store.GetMeta(key, dst); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
	}
	var vault string
	switch err := store.GetMeta(keyVault, &vault); {
	case err == nil:
		s.vault = vault
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load %s: %w", keyVault, err)
	}
	locs, err := store.Locations()
	if err != nil {
		return nil, fmt.Errorf("load locations: %w", err)
	}
	for _, l := range locs {
		s.locations[l.SenderID] = l
	}
	return s, nil
}

func (s *Shared) OnChange(fn func(Event)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Shared) emit(kind EventKind) {
	for _, fn := range s.listeners {
		fn(Event{Kind: kind})
	}
}

func (s *Shared) publish(env wire.Envelope) error {
	if err := s.pub.Publish(env); err != nil {
		log.Debugf("%s kept locally: %v", env.Tag(), err)
		return err
	}
	return nil
}
