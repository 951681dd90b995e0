package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ seen []Tag }

func (r *recorder) VisitChat(Chat)                     { r.seen = append(r.seen, TagChat) }
func (r *recorder) VisitTypingStart(TypingStart)       { r.seen = append(r.seen, TagTypingStart) }
func (r *recorder) VisitTypingStop(TypingStop)         { r.seen = append(r.seen, TagTypingStop) }
func (r *recorder) VisitMediaSync(MediaSync)           { r.seen = append(r.seen, TagMediaSync) }
func (r *recorder) VisitTransferStart(TransferStart)   { r.seen = append(r.seen, TagTransferStart) }
func (r *recorder) VisitTransferChunk(TransferChunk)   { r.seen = append(r.seen, TagTransferChunk) }
func (r *recorder) VisitLibrarySync(LibrarySync)       { r.seen = append(r.seen, TagLibrarySync) }
func (r *recorder) VisitSettingsSync(SettingsSync)     { r.seen = append(r.seen, TagSettingsSync) }
func (r *recorder) VisitLocationUpdate(LocationUpdate) { r.seen = append(r.seen, TagLocationUpdate) }

func TestEncodePutsTypeFirst(t *testing.T) {
	b, err := Encode(TypingStart{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TYPING_START"}`, string(b))

	b, err = Encode(Chat{ID: "1", SenderID: "user_a", Text: "hi", Timestamp: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"CHAT",`, string(b[:15]))
}

func TestEveryTagReachesItsVisitor(t *testing.T) {
	envs := []Envelope{
		Chat{ID: "1", SenderID: "user_a", Text: "hello"},
		TypingStart{},
		TypingStop{},
		MediaSync{Room: RoomVideo, Action: ActionSeek, PositionSeconds: Seconds(12.5)},
		TransferStart{FileID: "f", TotalChunkCount: 2, MimeType: "audio/mpeg"},
		TransferChunk{FileID: "f", Index: 1, Chunk: []byte{0, 1, 2, 255}},
		LibrarySync{Kind: LibraryPlaylist, Items: []MediaItem{{ID: "s1", Title: "Song"}}},
		SettingsSync{VaultPassword: "pw"},
		LocationUpdate{SenderID: "user_b", Latitude: 52.1, Longitude: 4.3, IsActive: true},
	}
	rec := &recorder{}
	for _, env := range envs {
		raw, err := Encode(env)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err, string(raw))
		assert.Equal(t, env, got)
		got.Accept(rec)
	}
	assert.Equal(t, Tags, rec.seen)
}

func TestChunkBytesTravelAsBase64(t *testing.T) {
	raw, err := Encode(TransferChunk{FileID: "f", Index: 0, Chunk: []byte("abc")})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "YWJj", m["chunk"])
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown tag", `{"type":"PET_FEED","food":"fish"}`, ErrUnknownTag},
		{"missing type", `{"id":"1"}`, ErrUnknownTag},
		{"not json", `{{`, ErrMalformed},
		{"chat without id", `{"type":"CHAT","senderId":"a"}`, ErrMalformed},
		{"bad room", `{"type":"MEDIA_SYNC","room":"karaoke","action":"PLAY"}`, ErrMalformed},
		{"bad action", `{"type":"MEDIA_SYNC","room":"audio","action":"REWIND"}`, ErrMalformed},
		{"set item without item", `{"type":"MEDIA_SYNC","room":"audio","action":"SET_ITEM"}`, ErrMalformed},
		{"seek without position", `{"type":"MEDIA_SYNC","room":"video","action":"SEEK"}`, ErrMalformed},
		{"negative chunk index", `{"type":"TRANSFER_CHUNK","fileId":"f","index":-1}`, ErrMalformed},
		{"chunk index too large", `{"type":"TRANSFER_CHUNK","fileId":"f","index":4096}`, ErrMalformed},
		{"chunk count too large", `{"type":"TRANSFER_START","fileId":"x","totalChunkCount":33554432,"mimeType":"audio/mpeg"}`, ErrMalformed},
		{"library kind", `{"type":"LIBRARY_SYNC","kind":"queue","items":[]}`, ErrMalformed},
		{"empty vault", `{"type":"SETTINGS_SYNC","vaultPassword":""}`, ErrMalformed},
		{"latitude", `{"type":"LOCATION_UPDATE","senderId":"a","latitude":91,"longitude":0}`, ErrMalformed},
		{"wrong field type", `{"type":"TRANSFER_START","fileId":"f","totalChunkCount":"three"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestChunkCountAtLimitDecodes(t *testing.T) {
	env, err := Decode([]byte(`{"type":"TRANSFER_START","fileId":"x","totalChunkCount":4096}`))
	require.NoError(t, err)
	assert.Equal(t, MaxChunkCount, env.(TransferStart).TotalChunkCount)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"MEDIA_SYNC","room":"audio","action":"PLAY","volume":0.4}`))
	require.NoError(t, err)
	ms := env.(MediaSync)
	assert.Equal(t, ActionPlay, ms.Action)
	assert.Equal(t, 0.0, ms.Position())
}
