// Package playback keeps the shared audio and video rooms in step with the
// counterpart.
//
// Local intents update the room optimistically and are mirrored with a
// MEDIA_SYNC. Remote MEDIA_SYNC envelopes overwrite the room outright: the
// last envelope processed on the loop wins, no clocks are compared.
//
// A room whose item names a local object is pending until the object can be
// resolved. Play, pause and seek issued meanwhile collapse into one desired
// state that is applied when resolution finishes.
package playback

import (
	"context"
	"errors"
	"math"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/eventloop"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("playback")

// Drift tolerances. A live position further than this from the synced
// position needs a seek; anything within is left alone.
const (
	AudioTolerance = 1.5
	VideoTolerance = 2.0
)

type Publisher interface {
	Publish(env wire.Envelope) error
}

// Resolver turns a local object id into a playable reference, blocking
// until the object exists or ctx ends.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// State is one room's playback state.
type State struct {
	Item       *wire.MediaItem `json:"item,omitempty"`
	Ref        string          `json:"ref,omitempty"`
	Playing    bool            `json:"playing"`
	Position   float64         `json:"position"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Pending    bool            `json:"pending"`
	Unresolved bool            `json:"unresolved,omitempty"`
}

type desired struct {
	playing  *bool
	position *float64
}

type room struct {
	state  State
	gen    uint64
	cancel context.CancelFunc
	want   desired
}

type Options struct {
	// ResolveTimeout bounds the wait for a local object. Zero waits until
	// the item is replaced.
	ResolveTimeout time.Duration
}

type Engine struct {
	loop *eventloop.Loop
	pub  Publisher
	res  Resolver
	opts Options
	now  func() time.Time

	rooms    map[wire.Room]*room
	onChange []func(wire.Room, State)
}

func New(loop *eventloop.Loop, pub Publisher, res Resolver, opts Options) *Engine {
	return &Engine{
		loop: loop,
		pub:  pub,
		res:  res,
		opts: opts,
		now:  time.Now,
		rooms: map[wire.Room]*room{
			wire.RoomAudio: {},
			wire.RoomVideo: {},
		},
	}
}

// OnChange registers fn to run after every state change of a room.
func (e *Engine) OnChange(fn func(wire.Room, State)) {
	e.onChange = append(e.onChange, fn)
}

// State returns a copy of the room state.
func (e *Engine) State(r wire.Room) State {
	if rm, ok := e.rooms[r]; ok {
		return rm.state
	}
	return State{}
}

// Tolerance returns the drift tolerance of r in seconds.
func Tolerance(r wire.Room) float64 {
	if r == wire.RoomVideo {
		return VideoTolerance
	}
	return AudioTolerance
}

// NeedsCorrection reports whether a render layer at live seconds has drifted
// strictly further than the room's tolerance from the synced position,
// advanced by the time the room has been playing.
func (e *Engine) NeedsCorrection(r wire.Room, live float64) bool {
	rm, ok := e.rooms[r]
	if !ok || rm.state.Item == nil || rm.state.Pending {
		return false
	}
	return math.Abs(live-e.expected(rm)) > Tolerance(r)
}

func (e *Engine) SetItem(r wire.Room, item wire.MediaItem) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionSetItem, Item: &item})
}

// Play resumes the room from wherever the counterpart's player is.
func (e *Engine) Play(r wire.Room) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionPlay})
}

// PlayAt resumes the room and pins both sides to the render layer's live
// position.
func (e *Engine) PlayAt(r wire.Room, live float64) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionPlay, PositionSeconds: &live})
}

// Pause stops the room where it is.
func (e *Engine) Pause(r wire.Room) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionPause})
}

// PauseAt stops the room at the render layer's live position.
func (e *Engine) PauseAt(r wire.Room, live float64) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionPause, PositionSeconds: &live})
}

func (e *Engine) Seek(r wire.Room, seconds float64) error {
	return e.local(wire.MediaSync{Room: r, Action: wire.ActionSeek, PositionSeconds: &seconds})
}

// HandleRemote applies a MEDIA_SYNC from the counterpart.
func (e *Engine) HandleRemote(ms wire.MediaSync) {
	if err := e.apply(ms); err != nil {
		log.Debugf("remote %s/%s ignored: %v", ms.Room, ms.Action, err)
	}
}

// Reset clears both rooms and abandons pending resolutions.
func (e *Engine) Reset() {
	for r, rm := range e.rooms {
		rm.gen++
		if rm.cancel != nil {
			rm.cancel()
			rm.cancel = nil
		}
		rm.state = State{}
		rm.want = desired{}
		e.changed(r)
	}
}

// expected is the position a player following the room should be at now:
// the synced position plus the time spent playing since it was set.
func (e *Engine) expected(rm *room) float64 {
	pos := rm.state.Position
	if rm.state.Playing && !rm.state.Pending && !rm.state.UpdatedAt.IsZero() {
		if d := e.now().Sub(rm.state.UpdatedAt); d > 0 {
			pos += d.Seconds()
		}
	}
	return pos
}

func (e *Engine) local(ms wire.MediaSync) error {
	if err := e.apply(ms); err != nil {
		return err
	}
	if err := e.pub.Publish(ms); err != nil {
		log.Debugf("%s/%s applied locally only: %v", ms.Room, ms.Action, err)
	}
	return nil
}

var errBadRoom = errors.New("playback: unknown room")
var errNoItem = errors.New("playback: SET_ITEM without item")

func (e *Engine) apply(ms wire.MediaSync) error {
	rm, ok := e.rooms[ms.Room]
	if !ok {
		return errBadRoom
	}
	switch ms.Action {
	case wire.ActionSetItem:
		if ms.Item == nil {
			return errNoItem
		}
		e.setItem(ms.Room, rm, *ms.Item, ms.Position())
		return nil
	case wire.ActionPlay:
		e.transport(rm, boolPtr(true), ms.PositionSeconds)
	case wire.ActionPause:
		e.transport(rm, boolPtr(false), ms.PositionSeconds)
	case wire.ActionSeek:
		e.transport(rm, nil, ms.PositionSeconds)
	default:
		return errors.New("playback: unknown action " + string(ms.Action))
	}
	e.changed(ms.Room)
	return nil
}

// transport applies play state and position, or buffers them while the room
// is pending. Without a position the room keeps its expected one.
func (e *Engine) transport(rm *room, playing *bool, pos *float64) {
	if rm.state.Pending {
		if playing != nil {
			rm.want.playing = playing
		}
		if pos != nil {
			rm.want.position = pos
		}
		return
	}
	if pos != nil {
		rm.state.Position = *pos
	} else {
		rm.state.Position = e.expected(rm)
	}
	if playing != nil {
		rm.state.Playing = *playing
	}
	rm.state.UpdatedAt = e.now()
}

func (e *Engine) setItem(r wire.Room, rm *room, item wire.MediaItem, pos float64) {
	rm.gen++
	if rm.cancel != nil {
		rm.cancel()
		rm.cancel = nil
	}
	rm.want = desired{}
	rm.state.Item = &item
	rm.state.Position = pos
	rm.state.UpdatedAt = e.now()
	rm.state.Unresolved = false

	if !item.IsLocal && item.URL != "" {
		rm.state.Ref = item.URL
		rm.state.Pending = false
		e.changed(r)
		return
	}

	rm.state.Ref = ""
	rm.state.Pending = true
	e.changed(r)
	e.resolve(r, rm, item.ID)
}

func (e *Engine) resolve(r wire.Room, rm *room, id string) {
	var ctx context.Context
	var cancel context.CancelFunc
	if e.opts.ResolveTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), e.opts.ResolveTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	rm.cancel = cancel
	gen := rm.gen

	go func() {
		ref, err := e.res.Resolve(ctx, id)
		e.loop.Post(func() {
			if rm.gen != gen {
				return
			}
			cancel()
			rm.cancel = nil
			e.resolved(r, rm, id, ref, err)
		})
	}()
}

func (e *Engine) resolved(r wire.Room, rm *room, id, ref string, err error) {
	rm.state.Pending = false
	if err != nil {
		log.Warnf("%s room: %s unresolved: %v", r, id, err)
		rm.state.Unresolved = true
		rm.state.Ref = ""
		rm.state.Playing = false
		rm.want = desired{}
		e.changed(r)
		return
	}
	rm.state.Ref = ref
	if rm.want.playing != nil {
		rm.state.Playing = *rm.want.playing
	}
	if rm.want.position != nil {
		rm.state.Position = *rm.want.position
	}
	rm.want = desired{}
	rm.state.UpdatedAt = e.now()
	log.Debugf("%s room: %s resolved", r, id)
	e.changed(r)
}

func (e *Engine) changed(r wire.Room) {
	st := e.rooms[r].state
	for _, fn := range e.onChange {
		fn(r, st)
	}
}

func boolPtr(b bool) *bool { return &b }
