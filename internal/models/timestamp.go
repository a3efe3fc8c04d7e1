package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a lenient wire timestamp. It accepts RFC 3339 strings and
// epoch milliseconds. Values that cannot be parsed are kept in Raw and
// reported as invalid instead of failing the whole document.
type Timestamp struct {
	Time time.Time
	Raw  string
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// Valid reports whether a usable time was parsed.
func (t Timestamp) Valid() bool {
	return !t.Time.IsZero()
}

// Before orders two timestamps. Invalid timestamps never sort before anything.
func (t Timestamp) Before(other Timestamp) bool {
	if !t.Valid() || !other.Valid() {
		return false
	}

	return t.Time.Before(other.Time)
}

// UnixMilli returns the time in epoch milliseconds, 0 when invalid.
func (t Timestamp) UnixMilli() int64 {
	if !t.Valid() {
		return 0
	}

	return t.Time.UnixMilli()
}

// ParseTimestamp parses s as RFC 3339 or as epoch milliseconds.
func ParseTimestamp(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: parsed}
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return Timestamp{Time: time.UnixMilli(ms).UTC()}
	}

	return Timestamp{Raw: s}
}

// UnmarshalJSON never returns an error for malformed values; it records
// them as invalid so the enclosing record is still usable.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*t = Timestamp{}
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*t = Timestamp{Raw: trimmed}
			return nil
		}

		*t = ParseTimestamp(s)

		return nil
	}

	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && f > 0 {
		*t = Timestamp{Time: time.UnixMilli(int64(f)).UTC()}
		return nil
	}

	*t = Timestamp{Raw: trimmed}

	return nil
}

// MarshalJSON writes RFC 3339 for valid values and the raw text otherwise.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Valid() {
		return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
	}

	if t.Raw != "" {
		return json.Marshal(t.Raw)
	}

	return []byte("null"), nil
}
