// Package janitor implements the background retention task: a
// periodic timer that, per series carrying a retention policy, drops
// expired points and compacts older windows into aggregated points, all
// under the storage engine's exclusive lock for the whole of one pass.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kakoidb/kakoidb/internal/aggregate"
	"github.com/kakoidb/kakoidb/internal/duration"
	"github.com/kakoidb/kakoidb/internal/kv"
	"github.com/kakoidb/kakoidb/internal/metrics"
	"github.com/kakoidb/kakoidb/internal/model"
	"github.com/kakoidb/kakoidb/internal/storage"
)

// DefaultInterval is the janitor's period when no configuration overrides
// it.
var DefaultInterval = duration.MustParse("5 minutes").Std()

// Janitor runs one retention-and-compaction pass over every series on a
// fixed timer.
type Janitor struct {
	engine   *storage.Engine
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures optional collaborators on a Janitor.
type Option func(*Janitor)

// WithLogger attaches a logger; the default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(j *Janitor) { j.log = l }
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(j *Janitor) { j.metrics = m }
}

// withClock overrides the janitor's notion of "now"; unexported because it
// exists for deterministic tests, not production configuration.
func withClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a Janitor over engine, running one pass every interval.
func New(engine *storage.Engine, interval time.Duration, opts ...Option) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	j := &Janitor{engine: engine, interval: interval, log: log.Logger, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run blocks, executing one pass every interval, until ctx is canceled.
// Ticks that fire while a pass is still running are coalesced: time.Ticker
// buffers at most one pending tick and drops the rest, so a pass that
// overruns the interval is followed by at most one immediate pass. RunOnce
// is always invoked from this single goroutine, so passes never overlap.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// Result summarizes one pass's outcome for logging and metrics.
type Result struct {
	SeriesProcessed int
	PointsDropped   int
	PointsCompacted int
	Duration        time.Duration
	Err             error
}

// RunOnce performs a single pass synchronously and reports its outcome. It
// is exported so the CLI and tests can trigger a pass on demand instead of
// waiting on the timer.
func (j *Janitor) RunOnce() (res Result) {
	start := j.now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("janitor: pass panicked: %v", r)
		}
		res.Duration = time.Since(start)
		j.report(res)
	}()

	res.Err = j.engine.WithExclusive(func(sess *storage.Session) error {
		seriesList, err := sess.ListSeries()
		if err != nil {
			return fmt.Errorf("list_series: %w", err)
		}
		for _, s := range seriesList {
			if s.RetentionPolicy == nil {
				continue
			}
			res.SeriesProcessed++

			dropped, err := j.garbageCollect(sess, s)
			if err != nil {
				return fmt.Errorf("series %q: garbage collect: %w", s.Name, err)
			}
			res.PointsDropped += dropped

			compacted, err := j.compact(sess, s)
			if err != nil {
				return fmt.Errorf("series %q: compact: %w", s.Name, err)
			}
			res.PointsCompacted += compacted
		}
		return nil
	})
	return res
}

// garbageCollect drops every point older than policy.DropAfter in one
// atomic batch. It returns the number of points dropped for
// reporting; this costs an extra scan over the deletion range but keeps
// Session.DeleteByQuery's contract simple (it reports no count of its own).
func (j *Janitor) garbageCollect(sess *storage.Session, s model.Series) (int, error) {
	policy := s.RetentionPolicy
	if policy.DropAfter == nil {
		return 0, nil
	}

	dropUntil := policy.DropAfter.Before(j.now())
	opts := model.QueryOptions{Until: &dropUntil}

	expired, err := sess.IterPoints(s.Name, opts)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := sess.DeleteByQuery(s.Name, opts); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// compact folds across policy.Compact, threading an advancing lower bound
// since, initially absent and overwritten with each strategy's until.
// Strategies are declared youngest threshold first (CreateSeries rejects
// any other ordering), so the walk runs them in reverse: the oldest
// threshold scans everything up to now-after with the coarsest window, and
// each younger strategy picks up from the previous until. Walking them in
// declared order instead would hand every strategy after the first an
// empty range, since its until would lie before the threaded since.
func (j *Janitor) compact(sess *storage.Session, s model.Series) (int, error) {
	policy := s.RetentionPolicy
	now := j.now()

	var since *time.Time
	compacted := 0
	for i := len(policy.Compact) - 1; i >= 0; i-- {
		strat := policy.Compact[i]
		until := strat.After.Before(now)
		opts := model.QueryOptions{Since: since, Until: &until}

		points, err := sess.IterPoints(s.Name, opts)
		if err != nil {
			return compacted, err
		}
		if len(points) > 0 {
			n, err := j.compactWindow(sess, s.Name, points, strat.Aggregate)
			if err != nil {
				return compacted, err
			}
			compacted += n
		}

		u := until
		since = &u
	}
	return compacted, nil
}

// compactWindow buckets points into strategy's tumbling windows and
// commits one batch: a put of the aggregated value at each window's first
// raw point's key (which naturally overwrites that raw point) plus a
// delete of every other raw point folded into the window. The key
// corresponding to a window's start time is never deleted in the same
// batch, or the aggregate it was just overwritten with would be lost.
func (j *Janitor) compactWindow(sess *storage.Session, seriesName string, points []model.Point, strat aggregate.Strategy) (int, error) {
	groups := windowPoints(points, strat)

	batch := &kv.Batch{}
	compacted := 0
	for _, g := range groups {
		value := strat.Function.Finish(g.value, g.count)
		raw, err := json.Marshal(model.StoragePoint{Value: value})
		if err != nil {
			return compacted, fmt.Errorf("encode compacted point: %w", err)
		}
		batch.Put(kv.PointKey(seriesName, g.startTime), raw)

		for _, t := range g.times[1:] {
			batch.Delete(kv.PointKey(seriesName, t))
		}
		compacted += g.count - 1
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := sess.Write(batch); err != nil {
		return 0, err
	}
	return compacted, nil
}

// windowGroup is one tumbling window's accumulator, plus every raw
// timestamp folded into it (times[0] is always the window's start time).
type windowGroup struct {
	startTime time.Time
	value     float64
	count     int
	times     []time.Time
}

// windowPoints mirrors aggregate.Window's tumbling-window contract exactly,
// but additionally retains each window's raw timestamps: the aggregator
// alone only yields the finished value, while compaction also needs to
// know which raw keys besides the window's start to delete.
func windowPoints(points []model.Point, strat aggregate.Strategy) []windowGroup {
	if len(points) == 0 {
		return nil
	}

	w := strat.Over.Std()
	fn := strat.Function

	var out []windowGroup
	cur := windowGroup{
		startTime: points[0].Time,
		value:     points[0].Value,
		count:     1,
		times:     []time.Time{points[0].Time},
	}

	for _, p := range points[1:] {
		if p.Time.Sub(cur.startTime) >= w {
			out = append(out, cur)
			cur = windowGroup{
				startTime: p.Time,
				value:     p.Value,
				count:     1,
				times:     []time.Time{p.Time},
			}
			continue
		}
		cur.value = fn.Reduce(cur.value, p.Value)
		cur.count++
		cur.times = append(cur.times, p.Time)
	}
	out = append(out, cur)
	return out
}

// report logs one line per pass (info on success, error with the cause on
// failure) and updates the janitor's Prometheus metrics.
func (j *Janitor) report(res Result) {
	outcome := "success"
	var ev *zerolog.Event
	if res.Err != nil {
		outcome = "failure"
		ev = j.log.Error().Err(res.Err)
	} else {
		ev = j.log.Info()
	}
	ev.Int("series_processed", res.SeriesProcessed).
		Int("points_dropped", res.PointsDropped).
		Int("points_compacted", res.PointsCompacted).
		Dur("duration", res.Duration).
		Msg("janitor: pass complete")

	if j.metrics != nil {
		j.metrics.JanitorPassesTotal.WithLabelValues(outcome).Inc()
		j.metrics.JanitorPointsDropped.Add(float64(res.PointsDropped))
		j.metrics.JanitorPointsCompacted.Add(float64(res.PointsCompacted))
	}
}
