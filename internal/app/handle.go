package app

import (
	"github.com/petervdpas/sanctuary/internal/wire"
)

var _ wire.Visitor = (*App)(nil)

// Inbound envelopes, already on the loop.

func (a *App) VisitChat(c wire.Chat) {
	if c.SenderID != senderID(a.partner) {
		log.Debugf("chat %s from unexpected sender %q", c.ID, c.SenderID)
	}
	a.chat.Receive(c)
}

func (a *App) VisitTypingStart(wire.TypingStart) { a.chat.HandleTypingStart() }
func (a *App) VisitTypingStop(wire.TypingStop)   { a.chat.HandleTypingStop() }

func (a *App) VisitMediaSync(ms wire.MediaSync) { a.playback.HandleRemote(ms) }

func (a *App) VisitTransferStart(ts wire.TransferStart) {
	a.transfer.HandleStart(ts)
	a.changed()
}

func (a *App) VisitTransferChunk(tc wire.TransferChunk) {
	a.transfer.HandleChunk(tc)
	a.changed()
}

func (a *App) VisitLibrarySync(ls wire.LibrarySync)   { a.shared.HandleLibrarySync(ls) }
func (a *App) VisitSettingsSync(ss wire.SettingsSync) { a.shared.HandleSettingsSync(ss) }

func (a *App) VisitLocationUpdate(lu wire.LocationUpdate) { a.shared.HandleLocation(lu) }
