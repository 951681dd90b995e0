package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeterministic(t *testing.T) {
	a := Resolve("Sanctuary.Alpha@gmail.com")
	b := Resolve("  sanctuary.alpha@GMAIL.com ")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), DefaultPrefix+"sanctuaryalphagmailcom_"))
}

func TestResolveTransportLegal(t *testing.T) {
	p := Resolve("weird+tag@ex-ample.org")
	for _, c := range string(p) {
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
		require.Truef(t, ok, "illegal rune %q in %s", c, p)
	}
}

func TestResolveSameStemDoesNotCollide(t *testing.T) {
	// Both emails sanitize to "abxcom".
	a := Resolve("a.b@x.com")
	b := Resolve("ab@x.com")
	assert.NotEqual(t, a, b)
}

func TestRoster(t *testing.T) {
	r := NewResolver("")
	ro, err := NewRoster(r,
		Member{ID: "user_a", Email: "alpha@example.com", Name: "User A"},
		Member{ID: "user_b", Email: "omega@example.com", Name: "User B"},
	)
	require.NoError(t, err)

	self, err := ro.Self("ALPHA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user_a", self.ID)
	assert.Equal(t, r.Resolve("alpha@example.com"), self.Peer)

	other, err := ro.Counterpart("alpha@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user_b", other.ID)

	m, ok := ro.ByPeer(other.Peer)
	require.True(t, ok)
	assert.Equal(t, "User B", m.Name)

	_, err = ro.Self("stranger@example.com")
	assert.ErrorIs(t, err, ErrNotInRoster)
}

func TestRosterRejectsBadShapes(t *testing.T) {
	r := NewResolver("")
	_, err := NewRoster(r, Member{Email: "a@x.com"})
	assert.ErrorIs(t, err, ErrRosterSize)

	_, err = NewRoster(r, Member{Email: "a@x.com"}, Member{Email: " A@X.com"})
	assert.ErrorIs(t, err, ErrRosterCollide)

	_, err = NewRoster(r, Member{ID: "u", Email: "a@x.com"}, Member{ID: "u", Email: "b@x.com"})
	assert.ErrorIs(t, err, ErrRosterCollide)
}
