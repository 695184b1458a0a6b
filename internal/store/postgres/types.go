package postgres

import "time"

// sqlNullTime mirrors database/sql.NullTime's shape for scanning a
// nullable timestamp column without importing database/sql into every
// repository file.
type sqlNullTime struct {
	Time  time.Time
	Valid bool
}

func (n *sqlNullTime) Scan(value interface{}) error {
	if value == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	t, ok := value.(time.Time)
	if !ok {
		n.Valid = false
		return nil
	}
	n.Time, n.Valid = t, true
	return nil
}

// nullableTime converts a zero time.Time to nil so a zero-valued
// CompletedAt is stored as SQL NULL rather than the Unix epoch.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
