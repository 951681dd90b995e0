// Package viewer is the UI boundary: a small HTTP server with a WebSocket
// that pushes state snapshots and accepts user intents.
package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/util"
)

var log = logging.Logger("viewer")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxUpload = 512 << 20
)

// Intent is a user action sent by the UI.
type Intent struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Upload is a media file handed over by the UI or the drop folder.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
	Title    string
	Artist   string
}

// Backend is everything the UI can read and do.
type Backend interface {
	Snapshot(ctx context.Context) (any, error)
	Intent(ctx context.Context, in Intent) error
	Upload(ctx context.Context, up Upload) (string, error)
	// Changes signals after every state change. Signals coalesce.
	Changes() (<-chan struct{}, func())
	Blob(id string) (storage.Blob, error)
}

type Server struct {
	b        Backend
	logs     *LogBuffer
	upgrader websocket.Upgrader
}

func New(b Backend, logs *LogBuffer) *Server {
	return &Server{
		b:    b,
		logs: logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
			CheckOrigin:     allowedOrigin,
		},
	}
}

// Handler returns the route table.
//
//	GET  /ws             snapshots out, intents in
//	GET  /api/state      current snapshot
//	POST /api/intent     one intent as JSON
//	POST /api/upload     raw media body, ?name=&title=&artist=
//	GET  /media/{id}     a stored blob
//	GET  /metrics        prometheus
//	GET  /api/logs       recent log lines (and /api/logs/stream)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.Handle("GET /api/state", noCache(http.HandlerFunc(s.serveState)))
	mux.Handle("POST /api/intent", sameOrigin(http.HandlerFunc(s.serveIntent)))
	mux.Handle("POST /api/upload", sameOrigin(http.HandlerFunc(s.serveUpload)))
	mux.HandleFunc("GET /media/{id}", s.serveMedia)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.logs != nil {
		mux.HandleFunc("GET /api/logs", s.logs.ServeLogsJSON)
		mux.HandleFunc("GET /api/logs/stream", s.logs.ServeLogsSSE)
	}
	return mux
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infof("viewer listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.b.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) serveIntent(w http.ResponseWriter, r *http.Request) {
	var in Intent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.b.Intent(r.Context(), in); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("upload too large"))
		return
	}
	q := r.URL.Query()
	up := Upload{
		Name:   q.Get("name"),
		Title:  q.Get("title"),
		Artist: q.Get("artist"),
		Data:   data,
	}
	up.MimeType = r.Header.Get("Content-Type")
	if up.MimeType == "" || up.MimeType == "application/octet-stream" {
		up.MimeType = util.ContentType(up.Name, data)
	}
	id, err := s.b.Upload(r.Context(), up)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	blob, err := s.b.Blob(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", blob.MimeType)
	http.ServeContent(w, r, blob.ID, time.Time{}, bytes.NewReader(blob.Data))
}
