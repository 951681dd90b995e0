package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/metrics"
	"github.com/petervdpas/sanctuary/internal/proto"
	"github.com/petervdpas/sanctuary/internal/transport"
)

const (
	offerTimeout = 30 * time.Second
	callEvents   = 8
)

var errPeerConnectionFailed = errors.New("p2p: peer connection failed")

func newAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		opts.Codecs(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	// Receivers ask for a keyframe periodically so a lost packet does not
	// freeze the remote video until the next natural keyframe.
	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// Call opens a call stream to pi and sends a complete (non-trickle) offer.
func (n *Node) Call(ctx context.Context, pi identity.PeerIdentity, local transport.LocalStream) (transport.CallHandle, error) {
	self, ok := n.registration()
	if !ok {
		return nil, transport.ErrClosed
	}
	pid, err := n.lookup(ctx, pi)
	if err != nil {
		return nil, err
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.CallProtoID))
	if err != nil {
		return nil, fmt.Errorf("%w: open call stream to %s: %v", transport.ErrUnreachable, pi, err)
	}

	h := n.newCallHandle(s, pi, bufio.NewReader(s))
	sdp, err := h.negotiate(ctx, local, "")
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if err := h.signal(proto.CallSignal{Type: proto.CallTypeOffer, From: self.String(), SDP: sdp}); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	go h.readSignals()
	return h, nil
}

func (n *Node) handleCall(s network.Stream) {
	if _, ok := n.registration(); !ok {
		_ = s.Reset()
		return
	}
	remote := s.Conn().RemotePeer()

	r := bufio.NewReader(s)
	_ = s.SetReadDeadline(time.Now().Add(offerTimeout))
	line, err := r.ReadBytes('\n')
	if err != nil {
		_ = s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	var sig proto.CallSignal
	if err := json.Unmarshal(line, &sig); err != nil || sig.Type != proto.CallTypeOffer || sig.SDP == "" {
		log.Warnf("bad call offer from %s", remote)
		_ = s.Reset()
		return
	}
	from := identity.PeerIdentity(sig.From)
	if !n.claim(from, remote) {
		log.Warnf("%s is not the peer announcing %s", remote, from.Short())
		_ = s.Reset()
		return
	}

	h := n.newCallHandle(s, from, r)
	h.offer = sig.SDP
	go h.readSignals()
	select {
	case n.incoming <- h:
	default:
		log.Warnf("call queue full, rejecting %s", from.Short())
		_ = h.Close()
	}
}

// callHandle is one call stream and its PeerConnection.
type callHandle struct {
	n      *Node
	s      network.Stream
	r      *bufio.Reader
	remote identity.PeerIdentity
	offer  string // inbound only
	id     string

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	answered bool
	reported bool
	kinds    []string
	closed   bool
	events   chan transport.CallEvent

	wmu  sync.Mutex
	once sync.Once
}

var _ transport.CallHandle = (*callHandle)(nil)

func (n *Node) newCallHandle(s network.Stream, remote identity.PeerIdentity, r *bufio.Reader) *callHandle {
	h := &callHandle{
		n:      n,
		s:      s,
		r:      r,
		remote: remote,
		id:     uuid.NewString(),
		events: make(chan transport.CallEvent, callEvents),
	}
	n.mu.Lock()
	n.calls[h] = struct{}{}
	n.mu.Unlock()
	return h
}

func (h *callHandle) Remote() identity.PeerIdentity { return h.remote }

func (h *callHandle) Events() <-chan transport.CallEvent { return h.events }

// Answer builds the PeerConnection for an inbound offer and replies.
func (h *callHandle) Answer(ctx context.Context, local transport.LocalStream) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	if h.answered || h.offer == "" {
		h.mu.Unlock()
		return nil
	}
	h.answered = true
	h.mu.Unlock()

	sdp, err := h.negotiate(ctx, local, h.offer)
	if err != nil {
		return err
	}
	if err := h.signal(proto.CallSignal{Type: proto.CallTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// negotiate creates the PeerConnection with local's tracks and returns the
// local SDP once ICE gathering is complete. With offer empty it creates an
// offer, otherwise an answer to offer.
func (h *callHandle) negotiate(ctx context.Context, local transport.LocalStream, offer string) (string, error) {
	var ice []webrtc.ICEServer
	if len(h.n.opts.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: h.n.opts.ICEServers}}
	}
	pc, err := h.n.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = pc.Close()
		return "", transport.ErrClosed
	}
	h.pc = pc
	h.mu.Unlock()

	var tracks []webrtc.TrackLocal
	if local != nil {
		tracks = local.Tracks()
	}
	kinds := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warnf("call %s: add track: %v", h.id, err)
			continue
		}
		kinds[t.Kind()] = true
	}
	// Always offer both m-lines so the counterpart can send what it has.
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if kinds[k] || offer != "" {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("call %s: add %s transceiver: %v", h.id, k, err)
		}
	}

	pc.OnTrack(h.onTrack)
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("call %s: connection %s", h.id, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			h.report()
		case webrtc.PeerConnectionStateFailed:
			h.end(errPeerConnectionFailed, false)
		}
	})

	var desc webrtc.SessionDescription
	if offer == "" {
		desc, err = pc.CreateOffer(nil)
	} else {
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
			return "", fmt.Errorf("set remote offer: %w", err)
		}
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (h *callHandle) signal(sig proto.CallSignal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_ = h.s.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = h.s.Write(append(b, '\n'))
	return err
}

func (h *callHandle) readSignals() {
	for {
		line, err := h.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.end(nil, false)
			} else {
				h.end(fmt.Errorf("call stream: %w", err), false)
			}
			return
		}
		var sig proto.CallSignal
		if err := json.Unmarshal(line, &sig); err != nil {
			continue
		}
		switch sig.Type {
		case proto.CallTypeAnswer:
			h.mu.Lock()
			pc := h.pc
			h.mu.Unlock()
			if pc == nil || h.offer != "" {
				continue
			}
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
				h.end(fmt.Errorf("set remote answer: %w", err), true)
				return
			}
		case proto.CallTypeHangup:
			h.end(nil, false)
			return
		}
	}
}

func (h *callHandle) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Infof("call %s: remote %s track (%s)", h.id, kind, track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		h.mu.Lock()
		pc := h.pc
		h.mu.Unlock()
		if pc != nil {
			_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		}
	}

	h.mu.Lock()
	h.kinds = append(h.kinds, kind)
	reported := h.reported
	h.mu.Unlock()
	if reported {
		h.report()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		metrics.RTPBytes(kind, len(pkt.Payload))
		h.n.forwardRTP(pkt)
	}
}

// report emits the remote stream as currently known.
func (h *callHandle) report() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.reported = true
	// The last slot is kept for CallClosed.
	if len(h.events) >= cap(h.events)-1 {
		log.Warnf("call %s: event queue full", h.id)
		return
	}
	st := remoteStream{id: h.id, kinds: append([]string(nil), h.kinds...)}
	h.events <- transport.CallEvent{Kind: transport.CallRemoteStream, Stream: st}
}

func (h *callHandle) Close() error {
	h.end(nil, true)
	return nil
}

// end tears the call down once. A local end tells the counterpart.
func (h *callHandle) end(err error, local bool) {
	h.once.Do(func() {
		if local {
			_ = h.signal(proto.CallSignal{Type: proto.CallTypeHangup})
		}
		h.mu.Lock()
		h.closed = true
		pc := h.pc
		h.events <- transport.CallEvent{Kind: transport.CallClosed, Err: err}
		close(h.events)
		h.mu.Unlock()

		if pc != nil {
			_ = pc.Close()
		}
		_ = h.s.Close()

		h.n.mu.Lock()
		delete(h.n.calls, h)
		h.n.mu.Unlock()
	})
}

func (n *Node) forwardRTP(pkt *rtp.Packet) {
	if n.fwd == nil {
		return
	}
	b, err := pkt.Marshal()
	if err != nil {
		return
	}
	_, _ = n.fwd.Write(b)
}

type remoteStream struct {
	id    string
	kinds []string
}

func (s remoteStream) ID() string      { return s.id }
func (s remoteStream) Kinds() []string { return s.kinds }
