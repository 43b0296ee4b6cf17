package storage

import (
	"strings"
	"time"
)

// HubRow is a hub address this instance has followed.
type HubRow struct {
	Address  string    `json:"address"`
	LastUsed time.Time `json:"last_used"`
}

// RememberHub records address as the most recently used hub.
func (d *DB) RememberHub(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _hubs (address, seq, last_used)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM _hubs), CURRENT_TIMESTAMP)
		ON CONFLICT(address) DO UPDATE SET
			seq       = (SELECT COALESCE(MAX(seq), 0) + 1 FROM _hubs),
			last_used = CURRENT_TIMESTAMP`,
		address,
	)
	return err
}

// RecentHubs returns up to limit hubs, most recent first. limit <= 0
// returns all of them.
func (d *DB) RecentHubs(limit int) ([]HubRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`SELECT address, last_used FROM _hubs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HubRow
	for rows.Next() {
		var h HubRow
		var lastUsed any
		if err := rows.Scan(&h.Address, &lastUsed); err != nil {
			return nil, err
		}
		h.LastUsed = parseTime(lastUsed)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ForgetHub removes a hub from the recent list.
func (d *DB) ForgetHub(address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _hubs WHERE address = ?`, address)
	return err
}

// parseTime accepts a DATETIME column as the driver returns it: already a
// time.Time, or SQLite's text form.
func parseTime(v any) time.Time {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
