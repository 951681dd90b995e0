package state

import (
	"fmt"

	"github.com/petervdpas/sanctuary/internal/wire"
)

// Library returns a copy of the playlist or watchlist.
func (s *Shared) Library(kind wire.LibraryKind) []wire.MediaItem {
	src := s.list(kind)
	if src == nil {
		return []wire.MediaItem{}
	}
	return append([]wire.MediaItem(nil), (*src)...)
}

func (s *Shared) list(kind wire.LibraryKind) *[]wire.MediaItem {
	switch kind {
	case wire.LibraryPlaylist:
		return &s.playlist
	case wire.LibraryWatchlist:
		return &s.watchlist
	}
	return nil
}

func libraryKey(kind wire.LibraryKind) string {
	if kind == wire.LibraryWatchlist {
		return keyWatchlist
	}
	return keyPlaylist
}

// ReplaceLibrary sets a whole list locally and sends it to the counterpart.
// The local change stands even if publishing fails.
func (s *Shared) ReplaceLibrary(kind wire.LibraryKind, items []wire.MediaItem) error {
	if err := s.replace(kind, items); err != nil {
		return err
	}
	return s.publish(wire.LibrarySync{Kind: kind, Items: s.Library(kind)})
}

// AddToLibrary appends item, or replaces the entry with the same id, and
// syncs the list.
func (s *Shared) AddToLibrary(kind wire.LibraryKind, item wire.MediaItem) error {
	items := s.Library(kind)
	replaced := false
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			replaced = true
		}
	}
	if !replaced {
		items = append(items, item)
	}
	return s.ReplaceLibrary(kind, items)
}

// RemoveFromLibrary drops the entry with id and syncs the list.
func (s *Shared) RemoveFromLibrary(kind wire.LibraryKind, id string) error {
	items := s.Library(kind)
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return s.ReplaceLibrary(kind, out)
}

// HandleLibrarySync overwrites a list with the counterpart's copy.
func (s *Shared) HandleLibrarySync(ls wire.LibrarySync) {
	if err := s.replace(ls.Kind, ls.Items); err != nil {
		log.Warnf("library sync: %v", err)
	}
}

func (s *Shared) replace(kind wire.LibraryKind, items []wire.MediaItem) error {
	dst := s.list(kind)
	if dst == nil {
		return fmt.Errorf("library kind %q is invalid", kind)
	}
	if items == nil {
		items = []wire.MediaItem{}
	}
	*dst = append([]wire.MediaItem(nil), items...)
	if err := s.store.SetMeta(libraryKey(kind), *dst); err != nil {
		log.Errorf("persist %s: %v", kind, err)
	}
	s.emit(EventLibrary)
	return nil
}
