package state

import (
	"sort"
	"time"

	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/wire"
)

// UpdateLocation records the local user's position and shares it.
func (s *Shared) UpdateLocation(lat, lng float64, active bool) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrInvalidLocation
	}
	lu := wire.LocationUpdate{
		SenderID:  s.self,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: time.Now().UnixMilli(),
		IsActive:  active,
	}
	s.setLocation(lu)
	return s.publish(lu)
}

func (s *Shared) HandleLocation(lu wire.LocationUpdate) {
	s.setLocation(lu)
}

// Locations returns the latest known location per sender, sorted by sender.
func (s *Shared) Locations() []storage.Location {
	out := make([]storage.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

func (s *Shared) setLocation(lu wire.LocationUpdate) {
	l := storage.Location{
		SenderID:  lu.SenderID,
		Latitude:  lu.Latitude,
		Longitude: lu.Longitude,
		Timestamp: lu.Timestamp,
		Active:    lu.IsActive,
	}
	s.locations[l.SenderID] = l
	if err := s.store.UpsertLocation(l); err != nil {
		log.Errorf("persist location: %v", err)
	}
	s.emit(EventLocation)
}
