// Package router demultiplexes inbound frames to a wire.Visitor and
// serializes outbound envelopes onto the session.
package router

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/metrics"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("router")

// Sender is the outbound half of the session.
type Sender interface {
	Send(frame []byte) error
}

type Router struct {
	handler wire.Visitor
	out     Sender
}

func New(handler wire.Visitor) *Router {
	return &Router{handler: handler}
}

// Attach sets the session outbound frames go to.
func (r *Router) Attach(out Sender) { r.out = out }

// Dispatch decodes raw and hands it to the handler. Frames with an unknown
// tag or missing fields are dropped without an error.
func (r *Router) Dispatch(raw []byte) {
	env, err := wire.Decode(raw)
	switch {
	case errors.Is(err, wire.ErrUnknownTag):
		metrics.Dropped("unknown_tag")
		log.Debugf("dropped frame: %v", err)
		return
	case err != nil:
		metrics.Dropped("malformed")
		log.Debugf("dropped frame: %v", err)
		return
	}
	metrics.EnvelopeIn(string(env.Tag()))
	env.Accept(r.handler)
}

// Publish encodes env and sends it. The envelope is lost if the session is
// not Open; the caller gets the session error.
func (r *Router) Publish(env wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if r.out == nil {
		metrics.Dropped("not_connected")
		return errors.New("router: no session attached")
	}
	if err := r.out.Send(raw); err != nil {
		metrics.Dropped("not_connected")
		return fmt.Errorf("publish %s: %w", env.Tag(), err)
	}
	metrics.EnvelopeOut(string(env.Tag()))
	return nil
}
