// Package transfer moves media objects over the session as a START envelope
// followed by fixed-size chunks, and reassembles them on the receiving side.
//
// There is no acknowledgement or resend. A transfer that loses a chunk stays
// in the Receiving state until it is discarded; Incomplete lists those.
//
// Engine is not safe for concurrent use; it lives on the event loop.
package transfer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/sanctuary/internal/metrics"
	"github.com/petervdpas/sanctuary/internal/wire"
)

var log = logging.Logger("transfer")

// ChunkSize is the number of payload bytes per TRANSFER_CHUNK.
const ChunkSize = wire.ChunkSize

// MaxMissing bounds the chunk indices listed in Progress.Missing.
const MaxMissing = 32

var ErrTransferIncomplete = errors.New("transfer: incomplete")

// ErrUnknownTransfer is returned by Check for a file id never seen.
var ErrUnknownTransfer = errors.New("transfer: unknown file id")

var ErrTooLarge = errors.New("transfer: object too large")

type Publisher interface {
	Publish(env wire.Envelope) error
}

// Store is where finished objects go. storage.BlobStore satisfies it.
type Store interface {
	Put(id string, data []byte, mimeType string) error
}

type Status int

const (
	StatusUnknown Status = iota
	StatusReceiving
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusReceiving:
		return "receiving"
	case StatusCompleted:
		return "completed"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is the receiver-side view of one transfer.
type Progress struct {
	FileID    string          `json:"file_id"`
	MimeType  string          `json:"mime_type,omitempty"`
	Kind      wire.MediaKind  `json:"kind,omitempty"`
	Total     int             `json:"total"` // -1 until START arrives
	Received  int             `json:"received"`
	Missing   []int           `json:"missing,omitempty"` // first MaxMissing gaps
	Gaps      int             `json:"gaps,omitempty"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	Metadata  *wire.MediaItem `json:"metadata,omitempty"`
}

// Completed describes an object that has just been stored.
type Completed struct {
	FileID   string
	MimeType string
	Kind     wire.MediaKind
	Size     int
	Metadata *wire.MediaItem
}

type session struct {
	start     *wire.TransferStart
	chunks    map[int][]byte
	startedAt time.Time
}

type Engine struct {
	pub   Publisher
	store Store
	now   func() time.Time

	sessions   map[string]*session
	completed  map[string]Completed
	onComplete []func(Completed)
}

func New(pub Publisher, store Store) *Engine {
	return &Engine{
		pub:       pub,
		store:     store,
		now:       time.Now,
		sessions:  make(map[string]*session),
		completed: make(map[string]Completed),
	}
}

// OnComplete registers fn to run after each received object is stored.
func (e *Engine) OnComplete(fn func(Completed)) {
	e.onComplete = append(e.onComplete, fn)
}

// ChunkCount is ceil(n / ChunkSize).
func ChunkCount(n int) int {
	return (n + ChunkSize - 1) / ChunkSize
}

// BeginSend stores data locally under fileID, then announces and streams it
// to the counterpart. The local copy is kept even when sending fails; the
// returned error is then the session error.
func (e *Engine) BeginSend(fileID string, data []byte, mimeType string, kind wire.MediaKind, meta *wire.MediaItem) (int, error) {
	if len(data) > wire.MaxObjectSize {
		return 0, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, fileID, len(data))
	}
	if err := e.store.Put(fileID, data, mimeType); err != nil {
		return 0, fmt.Errorf("store %s: %w", fileID, err)
	}
	total := ChunkCount(len(data))

	start := wire.TransferStart{
		FileID:          fileID,
		TotalChunkCount: total,
		MimeType:        mimeType,
		MediaType:       kind,
		Metadata:        meta,
	}
	if err := e.pub.Publish(start); err != nil {
		log.Infof("transfer %s kept local only: %v", fileID, err)
		return total, err
	}
	metrics.Transfer("out", "started")

	for i := 0; i < total; i++ {
		end := (i + 1) * ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := wire.TransferChunk{FileID: fileID, Index: i, Chunk: data[i*ChunkSize : end]}
		if err := e.pub.Publish(chunk); err != nil {
			log.Warnf("transfer %s stopped at chunk %d/%d: %v", fileID, i, total, err)
			return total, err
		}
		metrics.TransferBytes("out", end-i*ChunkSize)
	}
	metrics.Transfer("out", "completed")
	log.Infof("sent %s: %d bytes in %d chunks", fileID, len(data), total)
	return total, nil
}

// HandleStart opens the receive session for ts.FileID. Chunks that arrived
// before it are kept. A START for an already completed id begins a fresh
// transfer of that id.
func (e *Engine) HandleStart(ts wire.TransferStart) {
	delete(e.completed, ts.FileID)
	s := e.session(ts.FileID)
	if s.start != nil {
		log.Warnf("transfer %s restarted", ts.FileID)
		s.chunks = make(map[int][]byte)
		s.startedAt = e.now()
	}
	start := ts
	s.start = &start
	for idx := range s.chunks {
		if idx >= ts.TotalChunkCount {
			log.Warnf("transfer %s: dropping early chunk %d beyond total %d", ts.FileID, idx, ts.TotalChunkCount)
			delete(s.chunks, idx)
		}
	}
	metrics.Transfer("in", "started")
	log.Debugf("receiving %s: %d chunks of %s", ts.FileID, ts.TotalChunkCount, ts.MimeType)
	e.tryAssemble(ts.FileID, s)
}

// HandleChunk records one chunk. Order of arrival does not matter.
func (e *Engine) HandleChunk(tc wire.TransferChunk) {
	if _, done := e.completed[tc.FileID]; done {
		log.Debugf("transfer %s: chunk %d after completion ignored", tc.FileID, tc.Index)
		return
	}
	s := e.session(tc.FileID)
	if s.start != nil && tc.Index >= s.start.TotalChunkCount {
		log.Warnf("transfer %s: chunk %d out of range (total %d)", tc.FileID, tc.Index, s.start.TotalChunkCount)
		return
	}
	s.chunks[tc.Index] = append([]byte(nil), tc.Chunk...)
	metrics.TransferBytes("in", len(tc.Chunk))
	e.tryAssemble(tc.FileID, s)
}

func (e *Engine) session(fileID string) *session {
	s, ok := e.sessions[fileID]
	if !ok {
		s = &session{chunks: make(map[int][]byte), startedAt: e.now()}
		e.sessions[fileID] = s
	}
	return s
}

func (e *Engine) tryAssemble(fileID string, s *session) {
	if s.start == nil || len(s.chunks) < s.start.TotalChunkCount {
		return
	}
	size := 0
	for _, c := range s.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for i := 0; i < s.start.TotalChunkCount; i++ {
		data = append(data, s.chunks[i]...)
	}
	if err := e.store.Put(fileID, data, s.start.MimeType); err != nil {
		// chunks stay; a retried START can still complete it
		log.Errorf("store %s: %v", fileID, err)
		return
	}
	delete(e.sessions, fileID)

	c := Completed{
		FileID:   fileID,
		MimeType: s.start.MimeType,
		Kind:     s.start.MediaType,
		Size:     len(data),
		Metadata: s.start.Metadata,
	}
	e.completed[fileID] = c
	metrics.Transfer("in", "completed")
	log.Infof("received %s: %d bytes", fileID, len(data))
	for _, fn := range e.onComplete {
		fn(c)
	}
}

// Status returns the receive progress of fileID.
func (e *Engine) Status(fileID string) (Progress, bool) {
	if c, ok := e.completed[fileID]; ok {
		total := ChunkCount(c.Size)
		return Progress{
			FileID:   fileID,
			MimeType: c.MimeType,
			Kind:     c.Kind,
			Total:    total,
			Received: total,
			Status:   StatusCompleted,
			Metadata: c.Metadata,
		}, true
	}
	s, ok := e.sessions[fileID]
	if !ok {
		return Progress{FileID: fileID}, false
	}
	return s.progress(fileID), true
}

// Check returns nil for a completed transfer, ErrTransferIncomplete for one
// still waiting on chunks, and ErrUnknownTransfer otherwise.
func (e *Engine) Check(fileID string) error {
	p, ok := e.Status(fileID)
	switch {
	case !ok:
		return ErrUnknownTransfer
	case p.Status == StatusCompleted:
		return nil
	case p.Total < 0:
		return fmt.Errorf("%w: %s: no START, %d chunks held", ErrTransferIncomplete, fileID, p.Received)
	default:
		return fmt.Errorf("%w: %s: %d of %d chunks, %d missing from %v", ErrTransferIncomplete, fileID, p.Received, p.Total, p.Gaps, p.Missing)
	}
}

// Incomplete lists every transfer still receiving, oldest first.
func (e *Engine) Incomplete() []Progress {
	out := make([]Progress, 0, len(e.sessions))
	for id, s := range e.sessions {
		out = append(out, s.progress(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FileID < out[j].FileID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Reset discards every in-flight transfer. Discarded transfers do not resume.
func (e *Engine) Reset() {
	for id := range e.sessions {
		metrics.Transfer("in", "discarded")
		log.Infof("discarding incomplete transfer %s", id)
	}
	e.sessions = make(map[string]*session)
}

func (s *session) progress(fileID string) Progress {
	p := Progress{
		FileID:    fileID,
		Total:     -1,
		Received:  len(s.chunks),
		Status:    StatusReceiving,
		StartedAt: s.startedAt,
	}
	if s.start == nil {
		return p
	}
	p.Total = s.start.TotalChunkCount
	p.MimeType = s.start.MimeType
	p.Kind = s.start.MediaType
	p.Metadata = s.start.Metadata
	p.Gaps = p.Total - len(s.chunks)
	for i := 0; i < p.Total && len(p.Missing) < MaxMissing && len(p.Missing) < p.Gaps; i++ {
		if _, ok := s.chunks[i]; !ok {
			p.Missing = append(p.Missing, i)
		}
	}
	return p
}
