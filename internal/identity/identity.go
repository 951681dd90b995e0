// Package identity derives transport-routable peer identities from durable
// user identities (email addresses) and holds the fixed two-member roster.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultPrefix namespaces every PeerIdentity on the shared transport.
const DefaultPrefix = "sanct_v8_"

// hashLen is the number of hex characters of the digest kept in the token.
const hashLen = 12

// PeerIdentity is an opaque, transport-legal connection identifier.
type PeerIdentity string

func (p PeerIdentity) String() string { return string(p) }

// Short returns a log-friendly abbreviation of the identity.
func (p PeerIdentity) Short() string {
	s := string(p)
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// Resolver turns durable identities into PeerIdentity values.
type Resolver struct {
	prefix string
}

// NewResolver returns a resolver using prefix, or DefaultPrefix when empty.
func NewResolver(prefix string) Resolver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Resolver{prefix: prefix}
}

// Resolve is pure: the same durable identity always yields the same token.
// The readable stem keeps only [a-z0-9]; the blake2b suffix keeps two emails
// that sanitize to the same stem apart.
func (r Resolver) Resolve(durable string) PeerIdentity {
	norm := Normalize(durable)
	sum := blake2b.Sum256([]byte(norm))
	return PeerIdentity(r.prefix + sanitize(norm) + "_" + hex.EncodeToString(sum[:])[:hashLen])
}

// Resolve uses the default prefix.
func Resolve(durable string) PeerIdentity {
	return NewResolver("").Resolve(durable)
}

// Normalize lowercases and trims a durable identity.
func Normalize(durable string) string {
	return strings.ToLower(strings.TrimSpace(durable))
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Member is one of the two roster participants.
type Member struct {
	ID    string       `json:"id"`
	Email string       `json:"email"`
	Name  string       `json:"name"`
	Peer  PeerIdentity `json:"peer"`
}

// Roster is the immutable pair of participants known to both ends.
type Roster struct {
	members [2]Member
}

var (
	ErrRosterSize    = errors.New("roster must have exactly two members")
	ErrRosterCollide = errors.New("roster members collide")
	ErrNotInRoster   = errors.New("identity is not in the roster")
)

// NewRoster resolves each member's PeerIdentity and checks the pair is valid.
func NewRoster(r Resolver, members ...Member) (Roster, error) {
	if len(members) != 2 {
		return Roster{}, fmt.Errorf("%w (got %d)", ErrRosterSize, len(members))
	}
	var ro Roster
	for i, m := range members {
		if Normalize(m.Email) == "" {
			return Roster{}, fmt.Errorf("roster member %d: email is required", i)
		}
		m.Peer = r.Resolve(m.Email)
		ro.members[i] = m
	}
	a, b := ro.members[0], ro.members[1]
	if a.Peer == b.Peer || Normalize(a.Email) == Normalize(b.Email) {
		return Roster{}, ErrRosterCollide
	}
	if a.ID != "" && a.ID == b.ID {
		return Roster{}, fmt.Errorf("%w: duplicate id %q", ErrRosterCollide, a.ID)
	}
	return ro, nil
}

// Members returns both participants in configuration order.
func (ro Roster) Members() []Member {
	return []Member{ro.members[0], ro.members[1]}
}

// Self returns the member whose email matches durable.
func (ro Roster) Self(durable string) (Member, error) {
	n := Normalize(durable)
	for _, m := range ro.members {
		if Normalize(m.Email) == n {
			return m, nil
		}
	}
	return Member{}, fmt.Errorf("%w: %s", ErrNotInRoster, durable)
}

// Counterpart returns the other member relative to durable.
func (ro Roster) Counterpart(durable string) (Member, error) {
	n := Normalize(durable)
	for i, m := range ro.members {
		if Normalize(m.Email) == n {
			return ro.members[1-i], nil
		}
	}
	return Member{}, fmt.Errorf("%w: %s", ErrNotInRoster, durable)
}

// ByPeer finds the member owning a PeerIdentity.
func (ro Roster) ByPeer(p PeerIdentity) (Member, bool) {
	for _, m := range ro.members {
		if m.Peer == p {
			return m, true
		}
	}
	return Member{}, false
}
