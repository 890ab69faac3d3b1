package kv

import (
	"strings"
	"time"
)

// Key namespaces. "::" separates namespace from name and name from
// timestamp; both are chosen so that the byte ';' (one code point past
// ':') can serve as an unambiguous end-of-range sentinel.
const (
	seriesPrefix = "series::"
	pointsPrefix = "points::"
)

// timeLayout is RFC 3339 in UTC with a fixed-width fractional second, so
// two encodings of the same instant are byte-identical and lexicographic
// key order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// EncodeTime renders t (converted to UTC) in the fixed-width sortable form
// used inside point keys.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// DecodeTime parses a timestamp previously produced by EncodeTime.
func DecodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SeriesKey returns the key under which a series' metadata is stored.
func SeriesKey(name string) []byte {
	return []byte(seriesPrefix + name)
}

// SeriesPrefix returns the byte prefix shared by every series record, used
// to enumerate all series via prefix iteration.
func SeriesPrefix() []byte {
	return []byte(seriesPrefix)
}

// SeriesNameFromKey strips the series:: prefix, returning the bare name.
// ok is false if key does not carry the prefix.
func SeriesNameFromKey(key []byte) (string, bool) {
	s := string(key)
	if !strings.HasPrefix(s, seriesPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, seriesPrefix), true
}

// PointKeyPrefix returns the shared prefix of every point key belonging to
// the named series.
func PointKeyPrefix(name string) []byte {
	return []byte(pointsPrefix + name + "::")
}

// PointKey returns the key for a single point in the named series at t.
func PointKey(name string, t time.Time) []byte {
	return []byte(pointsPrefix + name + "::" + EncodeTime(t))
}

// PointKeyEnd returns the series-scoped end-of-range sentinel: one byte
// past the final "::" separator of this series' point keys, so it sorts
// immediately after any valid points::<name>::... key without colliding
// with another series' keys. This intentionally differs from a shared
// global sentinel (see design notes on the end-key sentinel).
func PointKeyEnd(name string) []byte {
	return []byte(pointsPrefix + name + ";")
}

// PointTimeFromKey parses the timestamp tail of a point key belonging to
// series name. ok is false if the key does not carry the expected prefix
// or the tail fails to parse as a timestamp.
func PointTimeFromKey(name string, key []byte) (time.Time, bool) {
	prefix := pointsPrefix + name + "::"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return time.Time{}, false
	}
	t, err := DecodeTime(strings.TrimPrefix(s, prefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
