package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/sanctuary/internal/call"
	"github.com/petervdpas/sanctuary/internal/chat"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/inbox"
	"github.com/petervdpas/sanctuary/internal/playback"
	"github.com/petervdpas/sanctuary/internal/session"
	"github.com/petervdpas/sanctuary/internal/state"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/transfer"
	"github.com/petervdpas/sanctuary/internal/viewer"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var (
	ErrUnknownIntent = errors.New("app: unknown intent")
	ErrNotMedia      = errors.New("app: upload is not audio or video")
)

// LocalPrefix marks ids of objects uploaded on this side.
const LocalPrefix = "local_"

var _ viewer.Backend = (*App)(nil)

// Intent payloads.
type (
	chatSend struct {
		Text      string `json:"text"`
		MediaRef  string `json:"mediaRef"`
		MediaType string `json:"mediaType"`
	}
	chatTyping struct {
		Active bool `json:"active"`
	}
	playPause struct {
		Room     wire.Room `json:"room"`
		Position *float64  `json:"position,omitempty"`
	}
	setItem struct {
		Room wire.Room      `json:"room"`
		Item wire.MediaItem `json:"item"`
	}
	seek struct {
		Room     wire.Room `json:"room"`
		Position float64   `json:"position"`
	}
	libraryReplace struct {
		Kind  wire.LibraryKind `json:"kind"`
		Items []wire.MediaItem `json:"items"`
	}
	libraryRemove struct {
		Kind wire.LibraryKind `json:"kind"`
		ID   string           `json:"id"`
	}
	vault struct {
		Password string `json:"password"`
	}
	location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Active    bool    `json:"active"`
	}
	upload struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Title    string `json:"title"`
		Artist   string `json:"artist"`
		Data     []byte `json:"data"`
	}
)

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("intent data: %w", err)
	}
	return v, nil
}

// Intent implements viewer.Backend.
func (a *App) Intent(ctx context.Context, in viewer.Intent) error {
	if in.Type == "upload" {
		up, err := decode[upload](in.Data)
		if err != nil {
			return err
		}
		_, err = a.Upload(ctx, viewer.Upload{
			Name: up.Name, MimeType: up.MimeType, Title: up.Title, Artist: up.Artist, Data: up.Data,
		})
		return err
	}
	var err error
	if derr := a.loop.Do(ctx, func() { err = a.intent(in) }); derr != nil {
		return derr
	}
	return err
}

// intent runs on the loop.
func (a *App) intent(in viewer.Intent) error {
	switch in.Type {
	case "chat.send":
		v, err := decode[chatSend](in.Data)
		if err != nil {
			return err
		}
		_, err = a.chat.Send(v.Text, v.MediaRef, v.MediaType)
		return soft(err)
	case "chat.typing":
		v, err := decode[chatTyping](in.Data)
		if err != nil {
			return err
		}
		if v.Active {
			a.chat.Typing()
		} else {
			a.chat.StopTyping()
		}
		return nil
	case "chat.read":
		return a.chat.MarkRead()
	case "chat.clear":
		return a.chat.Clear()

	case "media.set_item":
		v, err := decode[setItem](in.Data)
		if err != nil {
			return err
		}
		return soft(a.playback.SetItem(v.Room, v.Item))
	case "media.play", "media.pause":
		v, err := decode[playPause](in.Data)
		if err != nil {
			return err
		}
		return soft(a.playPause(v, in.Type == "media.play"))
	case "media.seek":
		v, err := decode[seek](in.Data)
		if err != nil {
			return err
		}
		return soft(a.playback.Seek(v.Room, v.Position))

	case "library.replace":
		v, err := decode[libraryReplace](in.Data)
		if err != nil {
			return err
		}
		if !v.Kind.Valid() {
			return fmt.Errorf("library kind %q is invalid", v.Kind)
		}
		return soft(a.shared.ReplaceLibrary(v.Kind, v.Items))
	case "library.remove":
		v, err := decode[libraryRemove](in.Data)
		if err != nil {
			return err
		}
		if !v.Kind.Valid() {
			return fmt.Errorf("library kind %q is invalid", v.Kind)
		}
		return soft(a.shared.RemoveFromLibrary(v.Kind, v.ID))
	case "settings.vault":
		v, err := decode[vault](in.Data)
		if err != nil {
			return err
		}
		return soft(a.shared.SetVaultPassword(v.Password))
	case "location.update":
		v, err := decode[location](in.Data)
		if err != nil {
			return err
		}
		return soft(a.shared.UpdateLocation(v.Latitude, v.Longitude, v.Active))

	case "call.place":
		return a.calls.PlaceOutboundCall(a.partner.Peer)
	case "call.accept":
		return a.calls.Accept()
	case "call.reject":
		return a.calls.Reject()
	case "call.hangup":
		return a.calls.HangUp()

	case "session.redial":
		return a.session.Redial(a.runCtx)
	}
	return fmt.Errorf("%w: %q", ErrUnknownIntent, in.Type)
}

// Upload implements viewer.Backend. The object is listed in the playlist or
// watchlist, stored, and streamed to the counterpart. It stays local when
// the session is down.
func (a *App) Upload(ctx context.Context, up viewer.Upload) (string, error) {
	kind := wire.KindSong
	switch {
	case strings.HasPrefix(up.MimeType, "audio/"):
	case strings.HasPrefix(up.MimeType, "video/"):
		kind = wire.KindMovie
	default:
		return "", fmt.Errorf("%w: %q", ErrNotMedia, up.MimeType)
	}
	if len(up.Data) == 0 {
		return "", errors.New("app: upload is empty")
	}
	title := up.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(up.Name), filepath.Ext(up.Name))
	}
	id := LocalPrefix + uuid.NewString()
	item := wire.MediaItem{ID: id, Title: title, Artist: up.Artist, IsLocal: true}

	var err error
	derr := a.loop.Do(ctx, func() {
		if err = soft(a.shared.AddToLibrary(libraryFor(kind, up.MimeType), item)); err != nil {
			return
		}
		_, err = a.transfer.BeginSend(id, up.Data, up.MimeType, kind, &item)
		err = soft(err)
		a.changed()
	})
	if derr != nil {
		return "", derr
	}
	if err != nil {
		return "", err
	}
	log.Infof("uploaded %q as %s (%s, %d bytes)", title, id, up.MimeType, len(up.Data))
	return id, nil
}

// Import implements inbox.Importer.
func (a *App) Import(ctx context.Context, f inbox.File) error {
	_, err := a.Upload(ctx, viewer.Upload{Name: f.Name, Title: f.Title, MimeType: f.MimeType, Data: f.Data})
	return err
}

// Snapshot is everything the UI renders.
type Snapshot struct {
	Self      identity.Member              `json:"self"`
	Partner   identity.Member              `json:"partner"`
	Session   session.Status               `json:"session"`
	Presence  state.Presence               `json:"presence"`
	Chat      ChatView                     `json:"chat"`
	Playback  map[wire.Room]playback.State `json:"playback"`
	Playlist  []wire.MediaItem             `json:"playlist"`
	Watchlist []wire.MediaItem             `json:"watchlist"`
	Vault     string                       `json:"vault_password"`
	Locations []storage.Location           `json:"locations"`
	Call      call.Snapshot                `json:"call"`
	Transfers []transfer.Progress          `json:"transfers"`
}

type ChatView struct {
	Messages      []chat.Message `json:"messages"`
	PartnerTyping bool           `json:"partner_typing"`
	Unread        int            `json:"unread"`
}

// Snapshot implements viewer.Backend.
func (a *App) Snapshot(ctx context.Context) (any, error) {
	var s Snapshot
	if err := a.loop.Do(ctx, func() { s = a.snapshot() }); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) snapshot() Snapshot {
	return Snapshot{
		Self:     a.self,
		Partner:  a.partner,
		Session:  a.session.Status(),
		Presence: a.shared.Partner(),
		Chat: ChatView{
			Messages:      a.chat.History(),
			PartnerTyping: a.chat.PartnerTyping(),
			Unread:        a.chat.Unread(),
		},
		Playback: map[wire.Room]playback.State{
			wire.RoomAudio: a.playback.State(wire.RoomAudio),
			wire.RoomVideo: a.playback.State(wire.RoomVideo),
		},
		Playlist:  a.shared.Library(wire.LibraryPlaylist),
		Watchlist: a.shared.Library(wire.LibraryWatchlist),
		Vault:     a.shared.VaultPassword(),
		Locations: a.shared.Locations(),
		Call:      a.calls.Current(),
		Transfers: a.transfer.Incomplete(),
	}
}

// playPause flips the room, pinning it to the player's live position when
// the viewer reports one.
func (a *App) playPause(v playPause, play bool) error {
	switch {
	case v.Position == nil && play:
		return a.playback.Play(v.Room)
	case v.Position == nil:
		return a.playback.Pause(v.Room)
	case *v.Position < 0:
		return fmt.Errorf("position %v is negative", *v.Position)
	case play:
		return a.playback.PlayAt(v.Room, *v.Position)
	default:
		return a.playback.PauseAt(v.Room, *v.Position)
	}
}
