package kv

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTime_FixedWidthUTC(t *testing.T) {
	whole := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	frac := time.Date(2020, 1, 2, 3, 4, 5, 123456789, time.UTC)

	assert.Equal(t, "2020-01-02T03:04:05.000000000Z", EncodeTime(whole))
	assert.Equal(t, "2020-01-02T03:04:05.123456789Z", EncodeTime(frac))
	assert.Len(t, EncodeTime(frac), len(EncodeTime(whole)))
}

func TestEncodeTime_NormalizesOffset(t *testing.T) {
	loc := time.FixedZone("plus2", 2*60*60)
	local := time.Date(2020, 1, 2, 5, 4, 5, 0, loc)
	utc := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, EncodeTime(utc), EncodeTime(local))
}

func TestDecodeTime_RoundTrip(t *testing.T) {
	orig := time.Date(2021, 6, 15, 12, 30, 45, 999000000, time.UTC)
	got, err := DecodeTime(EncodeTime(orig))
	require.NoError(t, err)
	assert.True(t, got.Equal(orig))
}

// Lexicographic key order must match chronological order.
func TestPointKey_LexicographicOrder(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Nanosecond),
		base.Add(time.Second),
		base.Add(time.Minute),
		base.Add(24 * time.Hour),
		base.AddDate(1, 0, 0),
	}
	for i := 1; i < len(times); i++ {
		prev := PointKey("s", times[i-1])
		cur := PointKey("s", times[i])
		assert.Negative(t, bytes.Compare(prev, cur), "key for %v must sort before key for %v", times[i-1], times[i])
	}
}

func TestPointKeyEnd_SortsAfterEveryPointKey(t *testing.T) {
	end := PointKeyEnd("cpu")
	for _, ts := range []time.Time{
		time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
	} {
		assert.Positive(t, bytes.Compare(end, PointKey("cpu", ts)))
	}
}

// The sentinel is scoped to its series: it sorts before the point keys of
// any series whose name sorts after it, unlike a sentinel keyed on the
// whole points:: namespace, which would sort after every point key in the
// store.
func TestPointKeyEnd_SeriesScoped(t *testing.T) {
	end := PointKeyEnd("cpu")
	other := PointKey("disk", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Negative(t, bytes.Compare(end, other))
}

func TestSeriesNameFromKey(t *testing.T) {
	name, ok := SeriesNameFromKey(SeriesKey("cpu"))
	require.True(t, ok)
	assert.Equal(t, "cpu", name)

	_, ok = SeriesNameFromKey([]byte("points::cpu::whatever"))
	assert.False(t, ok)
}

func TestPointTimeFromKey(t *testing.T) {
	ts := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	got, ok := PointTimeFromKey("cpu", PointKey("cpu", ts))
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	_, ok = PointTimeFromKey("mem", PointKey("cpu", ts))
	assert.False(t, ok)

	_, ok = PointTimeFromKey("cpu", []byte("points::cpu::not-a-time"))
	assert.False(t, ok)
}
