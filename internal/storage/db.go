// Package storage is the local SQLite store of one peer: media blobs, chat
// history, shared library state and last known locations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// ErrNotFound is returned when a key or object id has no entry.
var ErrNotFound = errors.New("storage: not found")

// DB wraps a SQLite database for a peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	blobs *BlobStore
}

var schema = []struct{ name, ddl string }{
	{"meta", `
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);`},
	{"media meta", `
		CREATE TABLE IF NOT EXISTS media_meta (
			id          TEXT PRIMARY KEY,
			mime_type   TEXT NOT NULL DEFAULT 'application/octet-stream',
			size        INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);`},
	{"media chunks", `
		CREATE TABLE IF NOT EXISTS media_chunks (
			media_id TEXT NOT NULL REFERENCES media_meta(id) ON DELETE CASCADE,
			idx      INTEGER NOT NULL,
			data     BLOB NOT NULL,
			PRIMARY KEY (media_id, idx)
		);`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			sender_id  TEXT NOT NULL,
			text       TEXT DEFAULT '',
			media_ref  TEXT DEFAULT '',
			media_type TEXT DEFAULT '',
			ts         INTEGER NOT NULL,
			read       INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS messages_ts ON messages (ts);`},
	{"cleared messages", `
		CREATE TABLE IF NOT EXISTS cleared_messages (
			id TEXT PRIMARY KEY
		);`},
	{"locations", `
		CREATE TABLE IF NOT EXISTS locations (
			sender_id TEXT PRIMARY KEY,
			latitude  REAL NOT NULL,
			longitude REAL NOT NULL,
			ts        INTEGER NOT NULL,
			active    INTEGER DEFAULT 0
		);`},
}

// Open opens or creates data.db in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "data.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, t := range schema {
		if _, err := db.Exec(t.ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", t.name, err)
		}
	}

	d := &DB{db: db, path: dbPath}
	d.blobs = newBlobStore(d)
	log.Debugf("opened %s", dbPath)
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Blobs returns the media blob store backed by d.
func (d *DB) Blobs() *BlobStore { return d.blobs }

// GetMeta decodes the JSON value stored under key into v.
func (d *DB) GetMeta(key string, v any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var raw string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// SetMeta stores v as JSON under key.
func (d *DB) SetMeta(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	return err
}
