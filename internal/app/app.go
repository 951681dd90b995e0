// Package app builds the session layer around one event loop and exposes it
// to the viewer and the drop folder.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/call"
	"github.com/petervdpas/sanctuary/internal/chat"
	"github.com/petervdpas/sanctuary/internal/config"
	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/playback"
	"github.com/petervdpas/sanctuary/internal/router"
	"github.com/petervdpas/sanctuary/internal/session"
	"github.com/petervdpas/sanctuary/internal/state"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/transfer"
	"github.com/petervdpas/sanctuary/internal/transport"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("app")

// Deps are the outside collaborators of an App.
type Deps struct {
	Transport transport.Transport
	Media     call.MediaSource
	DB        *storage.DB
}

// App owns every component. All of them are touched only on loop.
type App struct {
	cfg  config.Config
	loop *eventloop.Loop
	tr   transport.Transport
	db   *storage.DB

	self    identity.Member
	partner identity.Member

	session  *session.Manager
	router   *router.Router
	transfer *transfer.Engine
	playback *playback.Engine
	calls    *call.Manager
	chat     *chat.Manager
	shared   *state.Shared

	runCtx context.Context

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// senderID is the id chat and location envelopes carry for m.
func senderID(m identity.Member) string {
	if m.ID != "" {
		return m.ID
	}
	return identity.Normalize(m.Email)
}

func New(cfg config.Config, d Deps) (*App, error) {
	roster, err := cfg.RosterOf()
	if err != nil {
		return nil, err
	}
	self, err := roster.Self(cfg.Identity.Email)
	if err != nil {
		return nil, err
	}
	partner, err := roster.Counterpart(cfg.Identity.Email)
	if err != nil {
		return nil, err
	}
	media := d.Media
	if media == nil {
		media = call.ReceiveOnly{}
	}

	a := &App{
		cfg:     cfg,
		loop:    eventloop.New(),
		tr:      d.Transport,
		db:      d.DB,
		self:    self,
		partner: partner,
		subs:    make(map[chan struct{}]struct{}),
	}

	a.router = router.New(a)
	a.session = session.New(d.Transport, a.loop, a, session.Options{
		DuplicateWindow: cfg.DuplicateWindow(),
		DialTimeout:     cfg.DialTimeout(),
	})
	a.router.Attach(a.session)

	blobs := d.DB.Blobs()
	a.transfer = transfer.New(a.router, blobs)
	a.playback = playback.New(a.loop, a.router, playback.BlobResolver{Blobs: blobs}, playback.Options{
		ResolveTimeout: cfg.ResolveTimeout(),
	})
	a.calls = call.New(a.loop, d.Transport, media, partner.Peer)

	a.chat, err = chat.New(a.loop, a.router, d.DB, senderID(self), senderID(partner), chat.Options{
		HistorySize:    cfg.Chat.HistorySize,
		TypingInterval: msDuration(cfg.Chat.TypingIntervalMs),
		TypingIdle:     msDuration(cfg.Chat.TypingIdleMs),
	})
	if err != nil {
		return nil, err
	}
	a.shared, err = state.New(a.router, d.DB, senderID(self), cfg.Vault.DefaultPassword)
	if err != nil {
		return nil, err
	}

	a.transfer.OnComplete(a.transferDone)
	a.playback.OnChange(func(wire.Room, playback.State) { a.changed() })
	a.calls.OnChange(func(call.Snapshot) { a.changed() })
	a.chat.OnChange(func(chat.Event) { a.changed() })
	a.shared.OnChange(func(state.Event) { a.changed() })
	return a, nil
}

func (a *App) Self() identity.Member    { return a.self }
func (a *App) Partner() identity.Member { return a.partner }

// Run activates the session and serves the loop until ctx ends, then tears
// everything down. Cancelling ctx is logout.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	a.runCtx = ctx
	go a.loop.Run(loopCtx)

	var err error
	if derr := a.loop.Do(ctx, func() {
		err = a.session.Activate(ctx, a.self.Peer, a.partner.Peer)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	log.Infof("%s (%s) waiting for %s (%s)", a.self.Name, a.self.Peer.Short(), a.partner.Name, a.partner.Peer.Short())

	go a.watchCalls(ctx)

	<-ctx.Done()
	log.Infof("logging out")
	_ = a.loop.Do(context.Background(), a.teardown)
	stopLoop()
	<-a.loop.Done()
	return nil
}

func (a *App) teardown() {
	a.calls.Close()
	a.session.Deactivate()
	a.transfer.Reset()
	a.playback.Reset()
	a.chat.Reset()
}

func (a *App) watchCalls(ctx context.Context) {
	incoming := a.tr.IncomingCalls()
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-incoming:
			if !ok {
				return
			}
			if !a.loop.Post(func() { a.calls.HandleIncoming(h) }) {
				_ = h.Close()
				return
			}
		}
	}
}

// HandleFrame implements session.Sink.
func (a *App) HandleFrame(raw []byte) { a.router.Dispatch(raw) }

// HandleLifecycle implements session.Sink.
func (a *App) HandleLifecycle(ev session.Event) {
	switch ev.Kind {
	case session.EventOpen:
		log.Infof("connected to %s (generation %d)", a.partner.Name, ev.Generation)
		a.shared.SetPartnerOnline(true)
	case session.EventClose:
		log.Infof("disconnected from %s: %v", a.partner.Name, ev.Err)
		a.shared.SetPartnerOnline(false)
		a.chat.PartnerGone()
	case session.EventInbound:
		log.Debugf("inbound connection from %s", ev.Peer.Short())
	}
	a.changed()
}

// transferDone makes sure a received object shows up in its library even
// when the LIBRARY_SYNC that named it was lost.
func (a *App) transferDone(c transfer.Completed) {
	defer a.changed()
	if c.Metadata == nil {
		return
	}
	kind := libraryFor(c.Kind, c.MimeType)
	for _, it := range a.shared.Library(kind) {
		if it.ID == c.FileID {
			return
		}
	}
	item := *c.Metadata
	item.ID = c.FileID
	item.IsLocal = true
	soft(a.shared.AddToLibrary(kind, item))
}

func libraryFor(kind wire.MediaKind, mimeType string) wire.LibraryKind {
	switch kind {
	case wire.KindMovie:
		return wire.LibraryWatchlist
	case wire.KindSong:
		return wire.LibraryPlaylist
	}
	if len(mimeType) >= 6 && mimeType[:6] == "video/" {
		return wire.LibraryWatchlist
	}
	return wire.LibraryPlaylist
}

// soft drops the not-connected error of a publish: the local change stands
// and the counterpart catches up on its next change.
func soft(err error) error {
	if errors.Is(err, session.ErrNotConnected) {
		log.Debugf("kept locally: %v", err)
		return nil
	}
	return err
}

// Changes implements viewer.Backend.
func (a *App) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	return ch, func() {
		a.subMu.Lock()
		delete(a.subs, ch)
		a.subMu.Unlock()
	}
}

func (a *App) changed() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Blob implements viewer.Backend.
func (a *App) Blob(id string) (storage.Blob, error) {
	return a.db.Blobs().Get(id)
}
