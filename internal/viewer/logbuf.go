package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for the UI and fans new lines
// out to live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Follow copies every go-log line into b until ctx ends.
func (b *LogBuffer) Follow(ctx context.Context) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		b.Add(sc.Text())
	}
}

// Add records one line.
func (b *LogBuffer) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	e := LogEntry{TS: time.Now(), Msg: line}
	b.entries.Push(e)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?limit=N
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	entries := b.Snapshot()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
