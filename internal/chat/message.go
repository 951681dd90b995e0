package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/wire"
)

// Message is one chat line as the UI sees it.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Read      bool   `json:"read"`
}

// NewMessage stamps a fresh id and the current time.
func NewMessage(senderID, text, mediaRef, mediaType string) Message {
	return Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Text:      text,
		MediaRef:  mediaRef,
		MediaType: mediaType,
		Timestamp: time.Now().UnixMilli(),
	}
}

func fromWire(c wire.Chat) Message {
	return Message{
		ID:        c.ID,
		SenderID:  c.SenderID,
		Text:      c.Text,
		MediaRef:  c.MediaRef,
		MediaType: c.MediaType,
		Timestamp: c.Timestamp,
	}
}

func (m Message) envelope() wire.Chat {
	return wire.Chat{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		MediaType: m.MediaType,
		Timestamp: m.Timestamp,
	}
}

func (m Message) record() storage.Message {
	return storage.Message(m)
}

func fromRecord(r storage.Message) Message {
	return Message(r)
}
