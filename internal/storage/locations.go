package storage

// Location is the last position a roster member reported.
type Location struct {
	SenderID  string  `json:"sender_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
	Active    bool    `json:"active"`
}

// UpsertLocation replaces the stored location for l.SenderID.
func (d *DB) UpsertLocation(l Location) error {
	active := 0
	if l.Active {
		active = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO locations (sender_id, latitude, longitude, ts, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET
			latitude  = excluded.latitude,
			longitude = excluded.longitude,
			ts        = excluded.ts,
			active    = excluded.active`,
		l.SenderID, l.Latitude, l.Longitude, l.Timestamp, active)
	return err
}

// Locations returns every stored location.
func (d *DB) Locations() ([]Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT sender_id, latitude, longitude, ts, active FROM locations ORDER BY sender_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		var l Location
		var active int
		if err := rows.Scan(&l.SenderID, &l.Latitude, &l.Longitude, &l.Timestamp, &active); err != nil {
			return nil, err
		}
		l.Active = active != 0
		out = append(out, l)
	}
	return out, rows.Err()
}
