// Package wire defines the tagged envelopes exchanged over the peer session.
// Wire format: one JSON object per frame, discriminated by "type".
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag discriminates envelope kinds on the wire.
type Tag string

const (
	TagChat           Tag = "CHAT"
	TagTypingStart    Tag = "TYPING_START"
	TagTypingStop     Tag = "TYPING_STOP"
	TagMediaSync      Tag = "MEDIA_SYNC"
	TagTransferStart  Tag = "TRANSFER_START"
	TagTransferChunk  Tag = "TRANSFER_CHUNK"
	TagLibrarySync    Tag = "LIBRARY_SYNC"
	TagSettingsSync   Tag = "SETTINGS_SYNC"
	TagLocationUpdate Tag = "LOCATION_UPDATE"
)

// Tags lists every known tag, in wire documentation order.
var Tags = []Tag{
	TagChat, TagTypingStart, TagTypingStop, TagMediaSync,
	TagTransferStart, TagTransferChunk, TagLibrarySync,
	TagSettingsSync, TagLocationUpdate,
}

var (
	ErrUnknownTag = errors.New("wire: unknown envelope tag")
	ErrMalformed  = errors.New("wire: malformed envelope")
)

// Envelope is implemented only by the types in this package.
type Envelope interface {
	Tag() Tag
	Accept(v Visitor)
	validate() error
}

// Visitor receives a decoded envelope. Adding a tag adds a method here, so
// every handler stops compiling until it handles the new kind.
type Visitor interface {
	VisitChat(Chat)
	VisitTypingStart(TypingStart)
	VisitTypingStop(TypingStop)
	VisitMediaSync(MediaSync)
	VisitTransferStart(TransferStart)
	VisitTransferChunk(TransferChunk)
	VisitLibrarySync(LibrarySync)
	VisitSettingsSync(SettingsSync)
	VisitLocationUpdate(LocationUpdate)
}

// Encode serializes env with its "type" field first.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", env.Tag(), err)
	}
	tag, _ := json.Marshal(env.Tag())

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses one frame and checks the fields its tag requires.
func Decode(raw []byte) (Envelope, error) {
	var head struct {
		Type Tag `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	var err error
	switch head.Type {
	case TagChat:
		env, err = decodeAs[Chat](raw)
	case TagTypingStart:
		env, err = decodeAs[TypingStart](raw)
	case TagTypingStop:
		env, err = decodeAs[TypingStop](raw)
	case TagMediaSync:
		env, err = decodeAs[MediaSync](raw)
	case TagTransferStart:
		env, err = decodeAs[TransferStart](raw)
	case TagTransferChunk:
		env, err = decodeAs[TransferChunk](raw)
	case TagLibrarySync:
		env, err = decodeAs[LibrarySync](raw)
	case TagSettingsSync:
		env, err = decodeAs[SettingsSync](raw)
	case TagLocationUpdate:
		env, err = decodeAs[LocationUpdate](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, head.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return env, nil
}

func decodeAs[T Envelope](raw []byte) (Envelope, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
