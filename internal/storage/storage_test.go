package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBlobRoundTripAcrossChunkRows(t *testing.T) {
	d := openTest(t)
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, BlobChunkSize/2) // 3.5 chunks

	require.NoError(t, d.Blobs().Put("local_1", data, "audio/mpeg"))
	b, err := d.Blobs().Get("local_1")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", b.MimeType)
	assert.True(t, bytes.Equal(data, b.Data))

	// replacing with a smaller object leaves no stale rows behind
	require.NoError(t, d.Blobs().Put("local_1", []byte("tiny"), ""))
	b, err = d.Blobs().Get("local_1")
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(b.Data))
	assert.Equal(t, "application/octet-stream", b.MimeType)
}

func TestBlobEmptyObject(t *testing.T) {
	d := openTest(t)
	require.NoError(t, d.Blobs().Put("empty", nil, "text/plain"))
	b, err := d.Blobs().Get("empty")
	require.NoError(t, err)
	assert.Empty(t, b.Data)
}

func TestBlobNotFound(t *testing.T) {
	d := openTest(t)
	_, err := d.Blobs().Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, d.Blobs().Has("missing"))
}

func TestAwaitWakesOnPut(t *testing.T) {
	d := openTest(t)
	got := make(chan Blob, 1)
	go func() {
		b, err := d.Blobs().Await(context.Background(), "late")
		if err == nil {
			got <- b
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Blobs().Put("late", []byte("here"), "video/mp4"))
	select {
	case b := <-got:
		assert.Equal(t, "here", string(b.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake")
	}
}

func TestAwaitCancelled(t *testing.T) {
	d := openTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Blobs().Await(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	d.Blobs().mu.Lock()
	assert.Empty(t, d.Blobs().waiters)
	d.Blobs().mu.Unlock()
}

func TestBlobListAndDelete(t *testing.T) {
	d := openTest(t)
	require.NoError(t, d.Blobs().Put("a", []byte("aa"), "audio/ogg"))
	require.NoError(t, d.Blobs().Put("b", []byte("bbb"), "video/webm"))
	list, err := d.Blobs().List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, d.Blobs().Delete("a"))
	require.NoError(t, d.Blobs().Delete("a"))
	_, err = d.Blobs().Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	d := openTest(t)
	m := Message{ID: "m1", SenderID: "user_b", Text: "hi", Timestamp: 10}

	ok, err := d.InsertMessage(m)
	require.NoError(t, err)
	assert.True(t, ok)
	m.Text = "edited"
	ok, err = d.InsertMessage(m)
	require.NoError(t, err)
	assert.False(t, ok)

	msgs, err := d.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestRecentMessagesOrderAndRead(t *testing.T) {
	d := openTest(t)
	for i, id := range []string{"a", "b", "c"} {
		_, err := d.InsertMessage(Message{ID: id, SenderID: "user_b", Timestamp: int64(i)})
		require.NoError(t, err)
	}
	msgs, err := d.RecentMessages(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "c", msgs[1].ID)

	n, err := d.UnreadCount("user_b")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	changed, err := d.MarkRead("user_b")
	require.NoError(t, err)
	assert.EqualValues(t, 3, changed)

	require.NoError(t, d.ClearMessages())
	msgs, err = d.RecentMessages(10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	inserted, err := d.InsertMessage(Message{ID: "a", SenderID: "user_b", Text: "again", Timestamp: 9})
	require.NoError(t, err)
	assert.False(t, inserted, "cleared ids stay deleted")
}

func TestMetaAndLocations(t *testing.T) {
	d := openTest(t)
	var v []string
	assert.ErrorIs(t, d.GetMeta("playlist", &v), ErrNotFound)
	require.NoError(t, d.SetMeta("playlist", []string{"x", "y"}))
	require.NoError(t, d.GetMeta("playlist", &v))
	assert.Equal(t, []string{"x", "y"}, v)

	require.NoError(t, d.UpsertLocation(Location{SenderID: "user_a", Latitude: 1, Longitude: 2, Active: true}))
	require.NoError(t, d.UpsertLocation(Location{SenderID: "user_a", Latitude: 3, Longitude: 4}))
	locs, err := d.Locations()
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, 3.0, locs[0].Latitude)
	assert.False(t, locs[0].Active)
}
