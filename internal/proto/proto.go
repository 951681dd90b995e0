// Package proto holds the libp2p protocol ids and the small JSON messages
// exchanged outside the session stream.
package proto

import "time"

const (
	// libp2p stream protocol ID for the peer session: one JSON envelope per line
	SessionProtoID = "/sanctuary/session/1.0.0"

	// libp2p stream protocol ID for call signaling (offer, answer, hangup lines)
	CallProtoID = "/sanctuary/call/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is published on the presence topic every heartbeat. It binds a
// PeerIdentity to the libp2p peer currently holding it.
type PresenceMsg struct {
	Type         string   `json:"type"` // online|update|offline
	PeerIdentity string   `json:"peerIdentity"`
	PeerID       string   `json:"peerId"`
	Addrs        []string `json:"addrs,omitempty"`
	TS           int64    `json:"ts"`
}

// Session stream hello, written once by the dialer.
type SessionHello struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const (
	CallTypeOffer  = "offer"
	CallTypeAnswer = "answer"
	CallTypeHangup = "hangup"
)

// CallSignal is one line on the call stream.
type CallSignal struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"` // offer only
	SDP  string `json:"sdp,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
