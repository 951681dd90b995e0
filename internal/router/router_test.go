package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/sanctuary/internal/wire"
)

var errDown = errors.New("down")

// chatOnly panics on any tag but CHAT through the nil embedded Visitor.
type chatOnly struct {
	wire.Visitor
	chats []wire.Chat
}

func (c *chatOnly) VisitChat(m wire.Chat) { c.chats = append(c.chats, m) }

type pipeSender struct {
	frames [][]byte
	err    error
}

func (p *pipeSender) Send(f []byte) error {
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, f)
	return nil
}

func TestPublishThenDispatch(t *testing.T) {
	h := &chatOnly{}
	out := &pipeSender{}
	r := New(h)
	r.Attach(out)

	msg := wire.Chat{ID: "1", SenderID: "user_a", Text: "yo", Timestamp: 3}
	require.NoError(t, r.Publish(msg))
	require.Len(t, out.frames, 1)

	r.Dispatch(out.frames[0])
	assert.Equal(t, []wire.Chat{msg}, h.chats)
}

func TestDispatchDropsUnknownAndMalformed(t *testing.T) {
	h := &chatOnly{}
	r := New(h)
	r.Dispatch([]byte(`{"type":"HOLOGRAM","x":1}`))
	r.Dispatch([]byte(`{"type":"CHAT"}`))
	r.Dispatch([]byte(`garbage`))
	assert.Empty(t, h.chats)
}

func TestPublishSurfacesSessionError(t *testing.T) {
	r := New(&chatOnly{})
	assert.Error(t, r.Publish(wire.TypingStart{}))

	r.Attach(&pipeSender{err: errDown})
	err := r.Publish(wire.TypingStop{})
	assert.ErrorIs(t, err, errDown)
}
