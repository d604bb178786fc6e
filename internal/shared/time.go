package shared

import "time"

// TimeFormat is the canonical persisted timestamp layout: ISO-8601 UTC with
// millisecond precision. Every row written by the store uses this layout so
// lexicographic ordering of stored strings matches chronological ordering.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current time formatted in the canonical persisted layout.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a timestamp in the canonical persisted layout. Falls back
// to RFC3339 for values written by older builds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
