package sqldb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between supported metadata stores.
type Dialect string

// Supported dialects.
const (
	// SQLite is the embedded default, backed by modernc.org/sqlite.
	SQLite Dialect = "sqlite"

	// Postgres is backed by github.com/lib/pq.
	Postgres Dialect = "postgres"
)

// timeLayout is fixed-width so that TEXT timestamps in SQLite sort and
// compare lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ParseDialect validates a configured driver name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", name)
	}
}

// DriverName returns the database/sql driver name.
func (d Dialect) DriverName() string {
	return string(d)
}

// Rebind rewrites '?' placeholders to the dialect's native form.
// Queries in this module never contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// TimeArg encodes a timestamp as a query argument.
func (d Dialect) TimeArg(t time.Time) any {
	if d == Postgres {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

// Time scans timestamps stored either natively (Postgres TIMESTAMPTZ) or
// as fixed-width TEXT (SQLite).
type Time struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *Time) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}
