package state

import "time"

// Presence is what we know about the partner's reachability.
type Presence struct {
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

func (s *Shared) Partner() Presence { return s.partner }

// SetPartnerOnline follows the session's open and close events.
func (s *Shared) SetPartnerOnline(online bool) {
	now := time.Now()
	if online {
		s.partner.LastSeen = now
	}
	if s.partner.Online == online {
		return
	}
	s.partner.Online = online
	if online {
		s.partner.OfflineSince = time.Time{}
	} else {
		s.partner.OfflineSince = now
	}
	s.emit(EventPresence)
}
