package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// BlobChunkSize is the row size media bytes are split into on disk.
const BlobChunkSize = 512 * 1024

// Blob is one stored media object.
type Blob struct {
	ID       string
	MimeType string
	Data     []byte
}

// BlobInfo describes a stored object without loading its bytes.
type BlobInfo struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// BlobStore keeps media objects keyed by id. Objects are stored as ordered
// chunk rows, so their size does not matter. Await lets a caller wait for
// an id that has not arrived yet.
type BlobStore struct {
	d *DB

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newBlobStore(d *DB) *BlobStore {
	return &BlobStore{d: d, waiters: make(map[string][]chan struct{})}
}

// Put stores data under id, replacing any previous object, and wakes every
// Await on id.
func (s *BlobStore) Put(id string, data []byte, mimeType string) error {
	if id == "" {
		return errors.New("storage: blob id is required")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	count := (len(data) + BlobChunkSize - 1) / BlobChunkSize

	if err := s.write(id, data, mimeType, count); err != nil {
		return fmt.Errorf("put blob %s: %w", id, err)
	}
	log.Debugf("stored blob %s (%d bytes, %s)", id, len(data), mimeType)

	s.mu.Lock()
	ws := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
	return nil
}

func (s *BlobStore) write(id string, data []byte, mimeType string, count int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM media_chunks WHERE media_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO media_meta (id, mime_type, size, chunk_count) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mime_type   = excluded.mime_type,
			size        = excluded.size,
			chunk_count = excluded.chunk_count`,
		id, mimeType, len(data), count); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		end := (i + 1) * BlobChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := tx.Exec(`INSERT INTO media_chunks (media_id, idx, data) VALUES (?, ?, ?)`,
			id, i, data[i*BlobChunkSize:end]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the object stored under id, or ErrNotFound.
func (s *BlobStore) Get(id string) (Blob, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	b := Blob{ID: id}
	var size int64
	var count int
	err := s.d.db.QueryRow(`SELECT mime_type, size, chunk_count FROM media_meta WHERE id = ?`, id).
		Scan(&b.MimeType, &size, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrNotFound
	}
	if err != nil {
		return Blob{}, err
	}

	rows, err := s.d.db.Query(`SELECT idx, data FROM media_chunks WHERE media_id = ? ORDER BY idx`, id)
	if err != nil {
		return Blob{}, err
	}
	defer rows.Close()

	b.Data = make([]byte, 0, size)
	next := 0
	for rows.Next() {
		var idx int
		var chunk []byte
		if err := rows.Scan(&idx, &chunk); err != nil {
			return Blob{}, err
		}
		if idx != next {
			return Blob{}, fmt.Errorf("blob %s: chunk %d missing", id, next)
		}
		b.Data = append(b.Data, chunk...)
		next++
	}
	if err := rows.Err(); err != nil {
		return Blob{}, err
	}
	if next != count {
		return Blob{}, fmt.Errorf("blob %s: have %d of %d chunks", id, next, count)
	}
	return b, nil
}

// Has reports whether id is stored.
func (s *BlobStore) Has(id string) bool {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	var one int
	return s.d.db.QueryRow(`SELECT 1 FROM media_meta WHERE id = ?`, id).Scan(&one) == nil
}

// Await blocks until id is stored or ctx ends, then returns it.
func (s *BlobStore) Await(ctx context.Context, id string) (Blob, error) {
	for {
		s.mu.Lock()
		if s.Has(id) {
			s.mu.Unlock()
			return s.Get(id)
		}
		w := make(chan struct{})
		s.waiters[id] = append(s.waiters[id], w)
		s.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			s.drop(id, w)
			return Blob{}, ctx.Err()
		}
	}
}

func (s *BlobStore) drop(id string, w chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[id]
	for i, c := range ws {
		if c == w {
			s.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

// List returns every stored object, newest first.
func (s *BlobStore) List() ([]BlobInfo, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	rows, err := s.d.db.Query(`SELECT id, mime_type, size FROM media_meta ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlobInfo
	for rows.Next() {
		var bi BlobInfo
		if err := rows.Scan(&bi.ID, &bi.MimeType, &bi.Size); err != nil {
			return nil, err
		}
		out = append(out, bi)
	}
	return out, rows.Err()
}

// Delete removes id. Deleting a missing id is not an error.
func (s *BlobStore) Delete(id string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, err := s.d.db.Exec(`DELETE FROM media_chunks WHERE media_id = ?`, id); err != nil {
		return err
	}
	_, err := s.d.db.Exec(`DELETE FROM media_meta WHERE id = ?`, id)
	return err
}
