package storage

// Message is one persisted chat message.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
}

// InsertMessage stores m unless a message with the same id exists or was
// cleared. It reports whether a row was written.
func (d *DB) InsertMessage(m Message) (bool, error) {
	read := 0
	if m.Read {
		read = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, sender_id, text, media_ref, media_type, ts, read)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM cleared_messages WHERE id = ?)`,
		m.ID, m.SenderID, m.Text, m.MediaRef, m.MediaType, m.Timestamp, read, m.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecentMessages returns up to limit messages, oldest first.
func (d *DB) RecentMessages(limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, sender_id, text, media_ref, media_type, ts, read FROM (
			SELECT rowid AS rid, * FROM messages ORDER BY ts DESC, rowid DESC LIMIT ?
		) ORDER BY ts, rid`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var read int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.MediaRef, &m.MediaType, &m.Timestamp, &read); err != nil {
			return nil, err
		}
		m.Read = read != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead flags every message from senderID as read and returns how many
// changed.
func (d *DB) MarkRead(senderID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE messages SET read = 1 WHERE sender_id = ? AND read = 0`, senderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount returns the number of unread messages from senderID.
func (d *DB) UnreadCount(senderID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE sender_id = ? AND read = 0`, senderID).Scan(&n)
	return n, err
}

// ClearMessages deletes the whole chat history. The ids are remembered so a
// redelivered message stays deleted.
func (d *DB) ClearMessages() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT OR IGNORE INTO cleared_messages (id) SELECT id FROM messages`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	return tx.Commit()
}
