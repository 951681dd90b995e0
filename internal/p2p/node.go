// Package p2p is the libp2p + pion implementation of transport.Transport.
//
// A PeerIdentity is bound to a libp2p peer by presence announcements on a
// GossipSub topic. LAN peers find each other with mDNS; bootstrap addresses
// are dialed at start and double as static relays. Session frames travel as
// newline-delimited JSON on a /sanctuary/session stream, and calls negotiate
// a pion PeerConnection over a /sanctuary/call stream.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/proto"
	"github.com/petervdpas/sanctuary/internal/transport"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

const (
	connectTimeout = 10 * time.Second
	inboundBuffer  = 16
)

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Topic      string
	Heartbeat  time.Duration
	// Directory entries older than this are ignored by Dial.
	PresenceTTL time.Duration
	Bootstrap   []string

	ICEServers []string
	// Codecs registers the codecs local capture can produce. Nil registers
	// pion's defaults.
	Codecs func(*webrtc.MediaEngine)
	// ForwardRTP, when set, receives a copy of every remote RTP packet.
	ForwardRTP string
}

type entry struct {
	id   peer.ID
	seen time.Time
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	opts  Options
	api   *webrtc.API
	fwd   net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	self       identity.PeerIdentity
	registered bool
	closed     bool
	dir        map[identity.PeerIdentity]entry
	changed    chan struct{}
	conns      map[*conn]struct{}
	calls      map[*callHandle]struct{}

	inbound  chan transport.Conn
	incoming chan transport.CallHandle
}

var _ transport.Transport = (*Node)(nil)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func parseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

// New starts the libp2p host, mDNS and the presence subscription. The node
// accepts no sessions or calls until Register.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 4 * opts.Heartbeat
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	boot, err := parseBootstrap(opts.Bootstrap)
	if err != nil {
		return nil, err
	}

	lopts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}
	// Bootstrap peers are also offered as static relays so two peers behind
	// NAT can still reach each other.
	if len(boot) > 0 {
		lopts = append(lopts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays(boot,
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
	}

	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(opts.Topic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	api, err := newAPI(opts)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	var fwd net.Conn
	if opts.ForwardRTP != "" {
		fwd, err = net.Dial("udp", opts.ForwardRTP)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("forward rtp: %w", err)
		}
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		Host:     h,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		opts:     opts,
		api:      api,
		fwd:      fwd,
		ctx:      nctx,
		cancel:   cancel,
		dir:      make(map[identity.PeerIdentity]entry),
		changed:  make(chan struct{}),
		conns:    make(map[*conn]struct{}),
		calls:    make(map[*callHandle]struct{}),
		inbound:  make(chan transport.Conn, inboundBuffer),
		incoming: make(chan transport.CallHandle, inboundBuffer),
	}

	h.SetStreamHandler(protocol.ID(proto.SessionProtoID), n.handleSession)
	h.SetStreamHandler(protocol.ID(proto.CallProtoID), n.handleCall)

	for _, ai := range boot {
		go func(ai peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(nctx, connectTimeout)
			defer cancel()
			if err := h.Connect(cctx, ai); err != nil {
				log.Warnf("bootstrap %s: %v", ai.ID, err)
			}
		}(ai)
	}

	go n.presenceLoop()
	log.Infof("libp2p host %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Register binds self to this host and starts the presence heartbeat.
func (n *Node) Register(ctx context.Context, self identity.PeerIdentity) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return transport.ErrClosed
	}
	first := !n.registered
	n.self, n.registered = self, true
	n.mu.Unlock()

	if err := n.publish(ctx, proto.TypeOnline); err != nil {
		return fmt.Errorf("announce %s: %w", self, err)
	}
	if first {
		go n.heartbeat()
	}
	return nil
}

func (n *Node) registration() (identity.PeerIdentity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self, n.registered && !n.closed
}

func (n *Node) publish(ctx context.Context, typ string) error {
	self, _ := n.registration()
	msg := proto.PresenceMsg{
		Type:         typ,
		PeerIdentity: self.String(),
		PeerID:       n.ID(),
		TS:           proto.NowMillis(),
	}
	if typ != proto.TypeOffline {
		msg.Addrs = n.wanAddrs()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

func (n *Node) heartbeat() {
	t := time.NewTicker(n.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if err := n.publish(n.ctx, proto.TypeUpdate); err != nil && n.ctx.Err() == nil {
				log.Debugf("presence heartbeat: %v", err)
			}
		}
	}
}

func (n *Node) presenceLoop() {
	for {
		m, err := n.sub.Next(n.ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == n.Host.ID() {
			continue
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.Type == "" || pm.PeerIdentity == "" {
			continue
		}
		// Only the holder of a libp2p key may announce for it.
		if pm.PeerID != m.GetFrom().String() {
			log.Debugf("presence from %s claims %s, dropped", m.GetFrom(), pm.PeerID)
			continue
		}
		pid := m.GetFrom()
		pi := identity.PeerIdentity(pm.PeerIdentity)

		switch pm.Type {
		case proto.TypeOnline, proto.TypeUpdate:
			n.addPeerAddrs(pid, pm.Addrs)
			n.learn(pi, pid)
		case proto.TypeOffline:
			n.forget(pi, pid)
		}
	}
}

func (n *Node) learn(pi identity.PeerIdentity, pid peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev, ok := n.dir[pi]
	n.dir[pi] = entry{id: pid, seen: time.Now()}
	if !ok || prev.id != pid {
		log.Infof("%s is at %s", pi.Short(), pid)
		close(n.changed)
		n.changed = make(chan struct{})
	}
}

func (n *Node) forget(pi identity.PeerIdentity, pid peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.dir[pi]; ok && e.id == pid {
		delete(n.dir, pi)
		log.Infof("%s went offline", pi.Short())
	}
}

// lookup waits until pi has a fresh presence entry or ctx ends.
func (n *Node) lookup(ctx context.Context, pi identity.PeerIdentity) (peer.ID, error) {
	for {
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return "", transport.ErrClosed
		}
		e, ok := n.dir[pi]
		ch := n.changed
		n.mu.Unlock()
		if ok && time.Since(e.seen) < n.opts.PresenceTTL {
			return e.id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, pi, ctx.Err())
		case <-ch:
		case <-time.After(n.opts.Heartbeat):
		}
	}
}

// claim checks that pid may speak for pi, recording the binding when it is
// new. A binding to a different live peer wins over the claim.
func (n *Node) claim(pi identity.PeerIdentity, pid peer.ID) bool {
	n.mu.Lock()
	e, ok := n.dir[pi]
	n.mu.Unlock()
	if ok && e.id != pid && time.Since(e.seen) < n.opts.PresenceTTL {
		return false
	}
	n.learn(pi, pid)
	return true
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
func (n *Node) addPeerAddrs(pid peer.ID, addrs []string) {
	var out []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		out = append(out, a)
	}
	if len(out) > 0 {
		n.Host.Peerstore().AddAddrs(pid, out, n.opts.PresenceTTL)
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses are always included.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) Inbound() <-chan transport.Conn { return n.inbound }

func (n *Node) IncomingCalls() <-chan transport.CallHandle { return n.incoming }

// Close announces offline, ends every session and call, and shuts the host
// down. The node cannot be registered again.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	registered := n.registered
	n.mu.Unlock()

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = n.publish(ctx, proto.TypeOffline)
		cancel()
	}

	n.mu.Lock()
	n.closed = true
	conns := make([]*conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	calls := make([]*callHandle, 0, len(n.calls))
	for c := range n.calls {
		calls = append(calls, c)
	}
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	for _, c := range calls {
		_ = c.Close()
	}
	n.cancel()
	n.sub.Cancel()
	if n.fwd != nil {
		_ = n.fwd.Close()
	}
	return n.Host.Close()
}
