package repository

import (
	"fmt"
	"time"

	"bling-sync-api/internal/model"
)

// nullTime scans a timestamp column. Drivers disagree on the Go type they
// return (time.Time, string or []byte), and SQLite aggregates lose the
// declared type entirely.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value interface{}) error {
	n.Time, n.Valid = time.Time{}, false
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = v, true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		return nil
	}
	t, ok := model.ParseTime(s)
	if !ok {
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	n.Time, n.Valid = t, true
	return nil
}

// Ptr returns nil for NULL.
func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
