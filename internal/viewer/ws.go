package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Outbound WebSocket messages.
type wsMessage struct {
	Type  string `json:"type"` // snapshot | ack
	State any    `json:"state,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, unsubscribe := s.b.Changes()
	defer unsubscribe()

	acks := make(chan wsMessage, 16)
	go s.readIntents(ctx, cancel, conn, acks)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if !s.pushSnapshot(ctx, conn) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-changes:
			if !s.pushSnapshot(ctx, conn) {
				return
			}
		case ack := <-acks:
			if !write(conn, ack) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) pushSnapshot(ctx context.Context, conn *websocket.Conn) bool {
	snap, err := s.b.Snapshot(ctx)
	if err != nil {
		return false
	}
	return write(conn, wsMessage{Type: "snapshot", State: snap})
}

func write(conn *websocket.Conn, m wsMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m) == nil
}

// readIntents is the only reader of conn.
func (s *Server) readIntents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, acks chan<- wsMessage) {
	defer cancel()
	conn.SetReadLimit(maxUpload)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Intent
		ack := wsMessage{Type: "ack"}
		if err := json.Unmarshal(data, &in); err != nil {
			ack.Error = err.Error()
		} else {
			ack.ID = in.ID
			if err := s.b.Intent(ctx, in); err != nil {
				ack.Error = err.Error()
			}
		}
		select {
		case acks <- ack:
		case <-ctx.Done():
			return
		}
	}
}
