package wire

import (
	"errors"
	"fmt"
)

// Chat carries one chat message. ID is unique per sender; receivers drop
// duplicates.
type Chat struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaType string `json:"mediaType,omitempty"` // image | video
	Timestamp int64  `json:"timestamp"`           // unix millis
}

func (Chat) Tag() Tag           { return TagChat }
func (c Chat) Accept(v Visitor) { v.VisitChat(c) }
func (c Chat) validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.SenderID == "" {
		return errors.New("senderId is required")
	}
	return nil
}

type TypingStart struct{}

func (TypingStart) Tag() Tag           { return TagTypingStart }
func (t TypingStart) Accept(v Visitor) { v.VisitTypingStart(t) }
func (TypingStart) validate() error    { return nil }

type TypingStop struct{}

func (TypingStop) Tag() Tag           { return TagTypingStop }
func (t TypingStop) Accept(v Visitor) { v.VisitTypingStop(t) }
func (TypingStop) validate() error    { return nil }

// Room selects which shared player a MEDIA_SYNC addresses.
type Room string

const (
	RoomAudio Room = "audio"
	RoomVideo Room = "video"
)

func (r Room) Valid() bool { return r == RoomAudio || r == RoomVideo }

// Action is the playback transport command carried by MEDIA_SYNC.
type Action string

const (
	ActionSetItem Action = "SET_ITEM"
	ActionPlay    Action = "PLAY"
	ActionPause   Action = "PAUSE"
	ActionSeek    Action = "SEEK"
)

// MediaItem describes a song or a movie. When IsLocal is set, ID names an
// object in the local blob store and URL is empty on the wire.
type MediaItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist,omitempty"`
	Description string  `json:"description,omitempty"`
	Thumbnail   string  `json:"thumbnail,omitempty"`
	URL         string  `json:"url,omitempty"`
	Duration    float64 `json:"duration"`
	IsLocal     bool    `json:"isLocal,omitempty"`
}

type MediaSync struct {
	Room            Room       `json:"room"`
	Action          Action     `json:"action"`
	Item            *MediaItem `json:"item,omitempty"`
	PositionSeconds *float64   `json:"positionSeconds,omitempty"`
}

func (MediaSync) Tag() Tag           { return TagMediaSync }
func (m MediaSync) Accept(v Visitor) { v.VisitMediaSync(m) }
func (m MediaSync) validate() error {
	if !m.Room.Valid() {
		return fmt.Errorf("room %q is invalid", m.Room)
	}
	switch m.Action {
	case ActionSetItem:
		if m.Item == nil || m.Item.ID == "" {
			return errors.New("SET_ITEM requires item.id")
		}
	case ActionSeek:
		if m.PositionSeconds == nil || *m.PositionSeconds < 0 {
			return errors.New("SEEK requires a non-negative positionSeconds")
		}
	case ActionPlay, ActionPause:
		if m.PositionSeconds != nil && *m.PositionSeconds < 0 {
			return errors.New("positionSeconds must be non-negative")
		}
	default:
		return fmt.Errorf("action %q is invalid", m.Action)
	}
	return nil
}

// Position returns PositionSeconds, or 0 when absent.
func (m MediaSync) Position() float64 {
	if m.PositionSeconds == nil {
		return 0
	}
	return *m.PositionSeconds
}

// Seconds is a helper for building MediaSync literals.
func Seconds(v float64) *float64 { return &v }

// MediaKind tells a receiver which library an uploaded object belongs to.
type MediaKind string

const (
	KindSong  MediaKind = "song"
	KindMovie MediaKind = "movie"
)

// Transfer bounds. An object is at most MaxObjectSize bytes, sent in
// ChunkSize slices, so no transfer has more than MaxChunkCount chunks.
const (
	ChunkSize     = 512 * 1024
	MaxObjectSize = 2 << 30
	MaxChunkCount = MaxObjectSize / ChunkSize
)

type TransferStart struct {
	FileID          string     `json:"fileId"`
	TotalChunkCount int        `json:"totalChunkCount"`
	MimeType        string     `json:"mimeType"`
	MediaType       MediaKind  `json:"mediaType,omitempty"`
	Metadata        *MediaItem `json:"metadata,omitempty"`
}

func (TransferStart) Tag() Tag           { return TagTransferStart }
func (t TransferStart) Accept(v Visitor) { v.VisitTransferStart(t) }
func (t TransferStart) validate() error {
	if t.FileID == "" {
		return errors.New("fileId is required")
	}
	if t.TotalChunkCount < 0 || t.TotalChunkCount > MaxChunkCount {
		return fmt.Errorf("totalChunkCount must be within 0..%d", MaxChunkCount)
	}
	return nil
}

// TransferChunk carries one slice of an object. Chunk is base64 in JSON.
type TransferChunk struct {
	FileID string `json:"fileId"`
	Index  int    `json:"index"`
	Chunk  []byte `json:"chunk"`
}

func (TransferChunk) Tag() Tag           { return TagTransferChunk }
func (t TransferChunk) Accept(v Visitor) { v.VisitTransferChunk(t) }
func (t TransferChunk) validate() error {
	if t.FileID == "" {
		return errors.New("fileId is required")
	}
	if t.Index < 0 || t.Index >= MaxChunkCount {
		return fmt.Errorf("index must be within 0..%d", MaxChunkCount-1)
	}
	if len(t.Chunk) > ChunkSize {
		return fmt.Errorf("chunk is %d bytes, limit is %d", len(t.Chunk), ChunkSize)
	}
	return nil
}

// LibraryKind selects the shared list replaced by LIBRARY_SYNC.
type LibraryKind string

const (
	LibraryPlaylist  LibraryKind = "playlist"
	LibraryWatchlist LibraryKind = "watchlist"
)

func (k LibraryKind) Valid() bool { return k == LibraryPlaylist || k == LibraryWatchlist }

type LibrarySync struct {
	Kind  LibraryKind `json:"kind"`
	Items []MediaItem `json:"items"`
}

func (LibrarySync) Tag() Tag           { return TagLibrarySync }
func (l LibrarySync) Accept(v Visitor) { v.VisitLibrarySync(l) }
func (l LibrarySync) validate() error {
	if !l.Kind.Valid() {
		return fmt.Errorf("kind %q is invalid", l.Kind)
	}
	return nil
}

type SettingsSync struct {
	VaultPassword string `json:"vaultPassword"`
}

func (SettingsSync) Tag() Tag           { return TagSettingsSync }
func (s SettingsSync) Accept(v Visitor) { v.VisitSettingsSync(s) }
func (s SettingsSync) validate() error {
	if s.VaultPassword == "" {
		return errors.New("vaultPassword is required")
	}
	return nil
}

type LocationUpdate struct {
	SenderID  string  `json:"senderId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
	IsActive  bool    `json:"isActive"`
}

func (LocationUpdate) Tag() Tag           { return TagLocationUpdate }
func (l LocationUpdate) Accept(v Visitor) { v.VisitLocationUpdate(l) }
func (l LocationUpdate) validate() error {
	if l.SenderID == "" {
		return errors.New("senderId is required")
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return errors.New("latitude out of range")
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return errors.New("longitude out of range")
	}
	return nil
}
