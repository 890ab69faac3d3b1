package janitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakoidb/kakoidb/internal/aggregate"
	"github.com/kakoidb/kakoidb/internal/duration"
	"github.com/kakoidb/kakoidb/internal/kv"
	"github.com/kakoidb/kakoidb/internal/model"
	"github.com/kakoidb/kakoidb/internal/storage"
)

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := kv.Open(path)
	require.NoError(t, err)
	e := storage.New(store)
	t.Cleanup(func() { e.Close() })
	return e
}

// Points older than drop_after are removed by one pass.
func TestJanitor_GarbageCollect(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.CreateSeries(model.NewSeries{
		Name: "t",
		RetentionPolicy: &model.RetentionPolicy{
			DropAfter: ptrDuration(duration.MustParse("1 day")),
		},
	})
	require.NoError(t, err)

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-1 * time.Hour)
	_, err = e.CreatePoint("t", model.NewPoint{Time: old, Value: 1})
	require.NoError(t, err)
	_, err = e.CreatePoint("t", model.NewPoint{Time: recent, Value: 2})
	require.NoError(t, err)

	j := New(e, time.Hour, withClock(func() time.Time { return now }))
	res := j.RunOnce()
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.PointsDropped)

	points, err := e.Query("t", model.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].Time.Equal(recent))
}

// Compaction merges a window into a single key.
func TestJanitor_Compact(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.CreateSeries(model.NewSeries{
		Name: "t",
		RetentionPolicy: &model.RetentionPolicy{
			Compact: []model.CompactionStrategy{
				{
					After:     duration.MustParse("1 hour"),
					Aggregate: aggregate.Strategy{Function: aggregate.Sum, Over: duration.MustParse("1 hour")},
				},
			},
		},
	})
	require.NoError(t, err)

	earlier := now.Add(-2 * time.Hour)
	later := earlier.Add(10 * time.Minute)
	_, err = e.CreatePoint("t", model.NewPoint{Time: earlier, Value: 2})
	require.NoError(t, err)
	_, err = e.CreatePoint("t", model.NewPoint{Time: later, Value: 3})
	require.NoError(t, err)

	j := New(e, time.Hour, withClock(func() time.Time { return now }))
	res := j.RunOnce()
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.PointsCompacted)

	points, err := e.Query("t", model.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].Time.Equal(earlier))
	assert.Equal(t, 5.0, points[0].Value)
}

// Multiple strategies partition the timeline: the oldest threshold gets
// the coarsest window, and each younger strategy's range starts where the
// older one's ended.
func TestJanitor_CompactMultipleStrategies(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.CreateSeries(model.NewSeries{
		Name: "t",
		RetentionPolicy: &model.RetentionPolicy{
			Compact: []model.CompactionStrategy{
				{
					After:     duration.MustParse("1 hour"),
					Aggregate: aggregate.Strategy{Function: aggregate.Avg, Over: duration.MustParse("10 minutes")},
				},
				{
					After:     duration.MustParse("1 day"),
					Aggregate: aggregate.Strategy{Function: aggregate.Sum, Over: duration.MustParse("1 hour")},
				},
			},
		},
	})
	require.NoError(t, err)

	// Older than a day: summed into one 1-hour window.
	oldBase := now.Add(-48 * time.Hour)
	_, err = e.CreatePoint("t", model.NewPoint{Time: oldBase, Value: 1})
	require.NoError(t, err)
	_, err = e.CreatePoint("t", model.NewPoint{Time: oldBase.Add(10 * time.Minute), Value: 2})
	require.NoError(t, err)

	// Between an hour and a day old: averaged into one 10-minute window.
	midBase := now.Add(-3 * time.Hour)
	_, err = e.CreatePoint("t", model.NewPoint{Time: midBase, Value: 4})
	require.NoError(t, err)
	_, err = e.CreatePoint("t", model.NewPoint{Time: midBase.Add(5 * time.Minute), Value: 6})
	require.NoError(t, err)

	// Younger than an hour: untouched.
	fresh := now.Add(-30 * time.Minute)
	_, err = e.CreatePoint("t", model.NewPoint{Time: fresh, Value: 7})
	require.NoError(t, err)

	j := New(e, time.Hour, withClock(func() time.Time { return now }))
	res := j.RunOnce()
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.PointsCompacted)

	points, err := e.Query("t", model.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].Time.Equal(oldBase))
	assert.Equal(t, 3.0, points[0].Value)
	assert.True(t, points[1].Time.Equal(midBase))
	assert.Equal(t, 5.0, points[1].Value)
	assert.True(t, points[2].Time.Equal(fresh))
	assert.Equal(t, 7.0, points[2].Value)
}

// A second pass immediately after the first is a no-op.
func TestJanitor_CompactionIdempotent(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.CreateSeries(model.NewSeries{
		Name: "t",
		RetentionPolicy: &model.RetentionPolicy{
			Compact: []model.CompactionStrategy{
				{
					After:     duration.MustParse("1 hour"),
					Aggregate: aggregate.Strategy{Function: aggregate.Avg, Over: duration.MustParse("1 hour")},
				},
			},
		},
	})
	require.NoError(t, err)

	earlier := now.Add(-2 * time.Hour)
	later := earlier.Add(10 * time.Minute)
	_, err = e.CreatePoint("t", model.NewPoint{Time: earlier, Value: 2})
	require.NoError(t, err)
	_, err = e.CreatePoint("t", model.NewPoint{Time: later, Value: 4})
	require.NoError(t, err)

	j := New(e, time.Hour, withClock(func() time.Time { return now }))
	require.NoError(t, j.RunOnce().Err)

	first, err := e.Query("t", model.QueryOptions{})
	require.NoError(t, err)

	second := j.RunOnce()
	require.NoError(t, second.Err)
	assert.Equal(t, 0, second.PointsCompacted)

	after, err := e.Query("t", model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, after)
}

func ptrDuration(d duration.Duration) *duration.Duration { return &d }
