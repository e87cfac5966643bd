package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// Timestamps are stored as RFC3339 TEXT; SQLite has no datetime type.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseRFC3339(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var nowUTC = func() time.Time { return time.Now().UTC() }
