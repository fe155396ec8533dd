package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampEncoding records which wire shape a Timestamp was read from.
type TimestampEncoding int

const (
	EncodingNone TimestampEncoding = iota
	EncodingISO
	EncodingNative
)

// Timestamp accepts both historical encodings on read: an ISO-8601 string or
// a database-native object carrying a seconds field. It always writes an
// ISO-8601 string.
type Timestamp struct {
	time.Time
	Encoding TimestampEncoding
}

// NativeTimestamp is the database-native timestamp shape.
type NativeTimestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int64 `json:"nanoseconds,omitempty"`
}

// NewTimestamp wraps t as an ISO-encoded timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC(), Encoding: EncodingISO}
}

// Native returns the database-native shape for t.
func Native(t time.Time) NativeTimestamp {
	return NativeTimestamp{Seconds: t.Unix(), Nanoseconds: int64(t.Nanosecond())}
}

// Valid reports whether a timestamp was present.
func (t Timestamp) Valid() bool { return !t.Time.IsZero() }

// Unix returns seconds since epoch, 0 when absent.
func (t Timestamp) Unix() int64 {
	if !t.Valid() {
		return 0
	}
	return t.Time.Unix()
}

// ISO formats the timestamp for writes.
func (t Timestamp) ISO() string {
	if !t.Valid() {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(t.ISO())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := ParseISO(s)
		if err != nil {
			return err
		}
		*t = Timestamp{Time: parsed, Encoding: EncodingISO}
		return nil
	case '{':
		var raw struct {
			Seconds     *int64 `json:"seconds"`
			Nanoseconds int64  `json:"nanoseconds"`
			LegacySecs  *int64 `json:"_seconds"`
			LegacyNanos int64  `json:"_nanoseconds"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		switch {
		case raw.Seconds != nil:
			*t = Timestamp{Time: time.Unix(*raw.Seconds, raw.Nanoseconds).UTC(), Encoding: EncodingNative}
		case raw.LegacySecs != nil:
			*t = Timestamp{Time: time.Unix(*raw.LegacySecs, raw.LegacyNanos).UTC(), Encoding: EncodingNative}
		default:
			return fmt.Errorf("timestamp object without seconds: %s", string(data))
		}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp encoding: %s", string(data))
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseISO parses the ISO-8601 variants seen in stored documents. Values
// without a zone are read as UTC.
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// DateOnly is the YYYY-MM-DD layout used by date inputs.
const DateOnly = "2006-01-02"

// DeadlineFromDate turns a YYYY-MM-DD date input into the ISO deadline
// written to the store (midnight UTC of that date).
func DeadlineFromDate(date string) (Timestamp, error) {
	parsed, err := time.Parse(DateOnly, strings.TrimSpace(date))
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return NewTimestamp(parsed), nil
}
