// Package storage implements the storage engine: CRUD over series and
// points, prefix and range iteration, atomic batch writes, and streaming
// aggregation for queries, all built on the abstract kv.Store contract.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kakoidb/kakoidb/internal/aggregate"
	"github.com/kakoidb/kakoidb/internal/hotseries"
	"github.com/kakoidb/kakoidb/internal/kv"
	"github.com/kakoidb/kakoidb/internal/metrics"
	"github.com/kakoidb/kakoidb/internal/model"
)

// Engine is the storage-and-retention core. It is guarded by a
// single-writer/many-reader lock: read-only operations take a shared lock,
// mutations (and the whole janitor pass, via Session) take an exclusive
// one.
type Engine struct {
	mu      sync.RWMutex
	store   kv.Store
	log     zerolog.Logger
	hot     *hotseries.Tracker
	metrics *metrics.Collector
}

// Option configures optional collaborators on an Engine.
type Option func(*Engine)

// WithLogger attaches a logger; the default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithHotSeriesTracker attaches a hot-series access tracker.
func WithHotSeriesTracker(t *hotseries.Tracker) Option {
	return func(e *Engine) { e.hot = t }
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a storage engine over store.
func New(store kv.Store, opts ...Option) *Engine {
	e := &Engine{store: store, log: log.Logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close closes the underlying KV store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.StorageOpsTotal.WithLabelValues(op).Inc()
	e.metrics.StorageOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "inner"
		var sme *SeriesMissingError
		if errors.As(err, &sme) {
			kind = "series_missing"
		}
		e.metrics.StorageOpErrors.WithLabelValues(op, kind).Inc()
	}
}

// ListSeries scans the series:: prefix. Deserialization failures are
// propagated as storage errors (unlike per-point decode failures, which
// are only logged and skipped).
func (e *Engine) ListSeries() (series []model.Series, err error) {
	start := time.Now()
	defer func() { e.observe("list_series", start, err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listSeries()
}

func (e *Engine) listSeries() ([]model.Series, error) {
	it, err := e.store.IteratorFrom(kv.SeriesPrefix())
	if err != nil {
		return nil, &InnerError{Op: "list_series", Err: err}
	}
	defer it.Close()

	var out []model.Series
	prefix := kv.SeriesPrefix()
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return nil, &InnerError{Op: "list_series", Err: err}
		}
		if !ok || !hasPrefix(entry.Key, prefix) {
			break
		}
		var s model.Series
		if err := json.Unmarshal(entry.Value, &s); err != nil {
			return nil, &InnerError{Op: "list_series", Err: fmt.Errorf("decode %s: %w", entry.Key, err)}
		}
		out = append(out, s)
	}
	return out, nil
}

// GetSeries looks up a single series by name. A nil, nil result means the
// series does not exist.
func (e *Engine) GetSeries(name string) (series *model.Series, err error) {
	start := time.Now()
	defer func() { e.observe("get_series", start, err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getSeries(name)
}

func (e *Engine) getSeries(name string) (*model.Series, error) {
	raw, err := e.store.Get(kv.SeriesKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &InnerError{Op: "get_series", Err: err}
	}
	var s model.Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &InnerError{Op: "get_series", Err: fmt.Errorf("decode %s: %w", name, err)}
	}
	return &s, nil
}

// CreateSeries normalizes new into a Series record and writes it under
// series::<name>. Overwriting an existing series silently replaces its
// metadata; point records are untouched.
func (e *Engine) CreateSeries(ns model.NewSeries) (series model.Series, err error) {
	start := time.Now()
	defer func() { e.observe("create_series", start, err) }()

	if ns.RetentionPolicy != nil {
		if verr := ns.RetentionPolicy.Validate(); verr != nil {
			return model.Series{}, verr
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := ns.Normalize()
	raw, merr := json.Marshal(s)
	if merr != nil {
		return model.Series{}, &InnerError{Op: "create_series", Err: merr}
	}
	if perr := e.store.Put(kv.SeriesKey(s.Name), raw); perr != nil {
		return model.Series{}, &InnerError{Op: "create_series", Err: perr}
	}
	return s, nil
}

// DeleteSeries deletes a series' metadata and every one of its points in a
// single atomic batch.
func (e *Engine) DeleteSeries(name string) (err error) {
	start := time.Now()
	defer func() { e.observe("delete_series", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.deleteSeries(name); err != nil {
		return err
	}
	if e.hot != nil {
		e.hot.Forget(name)
	}
	return nil
}

func (e *Engine) deleteSeries(name string) error {
	keys, err := e.collectPointKeys(name)
	if err != nil {
		return err
	}

	batch := &kv.Batch{}
	batch.Delete(kv.SeriesKey(name))
	for _, k := range keys {
		batch.Delete(k)
	}
	if err := e.store.Write(batch); err != nil {
		return &InnerError{Op: "delete_series", Err: err}
	}
	return nil
}

// collectPointKeys returns every point key belonging to series name, in
// ascending order, without decoding values.
func (e *Engine) collectPointKeys(name string) ([][]byte, error) {
	it, err := e.store.IteratorFrom(kv.PointKeyPrefix(name))
	if err != nil {
		return nil, &InnerError{Op: "iter_points", Err: err}
	}
	defer it.Close()

	prefix := kv.PointKeyPrefix(name)
	var keys [][]byte
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return nil, &InnerError{Op: "iter_points", Err: err}
		}
		if !ok || !hasPrefix(entry.Key, prefix) {
			break
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

// CreatePoint writes a point into series seriesName, failing with
// SeriesMissingError if the series does not exist.
func (e *Engine) CreatePoint(seriesName string, np model.NewPoint) (point model.Point, err error) {
	start := time.Now()
	defer func() { e.observe("create_point", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.Get(kv.SeriesKey(seriesName)); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return model.Point{}, &SeriesMissingError{Name: seriesName}
		}
		return model.Point{}, &InnerError{Op: "create_point", Err: err}
	}

	sp := model.StoragePoint{Value: np.Value}
	raw, merr := json.Marshal(sp)
	if merr != nil {
		return model.Point{}, &InnerError{Op: "create_point", Err: merr}
	}
	if perr := e.store.Put(kv.PointKey(seriesName, np.Time), raw); perr != nil {
		return model.Point{}, &InnerError{Op: "create_point", Err: perr}
	}

	if e.hot != nil {
		e.hot.RecordWrite(seriesName)
	}
	return model.Point{Time: np.Time, Value: np.Value}, nil
}

// pointRange computes the [start, end] key bounds a scan over seriesName
// uses for opts: since is inclusive via the exact start key,
// until is inclusive at the key-byte level via the exact end key, and an
// absent bound falls back to the series prefix / series-scoped sentinel.
func pointRange(seriesName string, opts model.QueryOptions) (start, end []byte) {
	start = kv.PointKeyPrefix(seriesName)
	if opts.Since != nil {
		start = kv.PointKey(seriesName, *opts.Since)
	}
	end = kv.PointKeyEnd(seriesName)
	if opts.Until != nil {
		end = kv.PointKey(seriesName, *opts.Until)
	}
	return start, end
}

// IterPoints decodes every point in seriesName within opts' range, in
// ascending time order. Entries whose key or value fail to decode are
// logged at warn and skipped rather than surfaced as an error.
func (e *Engine) IterPoints(seriesName string, opts model.QueryOptions) (points []model.Point, err error) {
	start := time.Now()
	defer func() { e.observe("iter_points", start, err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterPoints(seriesName, opts)
}

func (e *Engine) iterPoints(seriesName string, opts model.QueryOptions) ([]model.Point, error) {
	startKey, endKey := pointRange(seriesName, opts)

	it, err := e.store.IteratorFrom(startKey)
	if err != nil {
		return nil, &InnerError{Op: "iter_points", Err: err}
	}
	defer it.Close()

	var out []model.Point
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return nil, &InnerError{Op: "iter_points", Err: err}
		}
		if !ok || bytes.Compare(entry.Key, endKey) > 0 {
			break
		}

		t, ok := kv.PointTimeFromKey(seriesName, entry.Key)
		if !ok {
			e.log.Warn().Str("series", seriesName).Str("key", string(entry.Key)).Msg("storage: skipping point with unparseable key")
			continue
		}
		var sp model.StoragePoint
		if err := json.Unmarshal(entry.Value, &sp); err != nil {
			e.log.Warn().Str("series", seriesName).Time("time", t).Err(err).Msg("storage: skipping point with unparseable value")
			continue
		}
		out = append(out, model.Point{Time: t, Value: sp.Value})
	}
	return out, nil
}

// Query materializes iter_points and, when opts carries an aggregate
// strategy, folds the result through the streaming aggregator; otherwise it
// returns the raw collected sequence unchanged.
func (e *Engine) Query(seriesName string, opts model.QueryOptions) (points []model.Point, err error) {
	start := time.Now()
	defer func() { e.observe("query", start, err) }()

	e.mu.RLock()
	raw, err := e.iterPoints(seriesName, opts)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if e.hot != nil {
		e.hot.RecordQuery(seriesName)
	}

	if opts.Aggregate == nil {
		return raw, nil
	}
	return aggregatePoints(raw, *opts.Aggregate), nil
}

func aggregatePoints(points []model.Point, strategy aggregate.Strategy) []model.Point {
	samples := make([]aggregate.Sample, len(points))
	for i, p := range points {
		samples[i] = aggregate.Sample{Time: p.Time, Value: p.Value}
	}
	windowed := aggregate.Window(samples, strategy)
	out := make([]model.Point, len(windowed))
	for i, s := range windowed {
		out[i] = model.Point{Time: s.Time, Value: s.Value}
	}
	return out
}

// DeleteByQuery deletes every point in seriesName within opts' range in a
// single atomic batch. Used by the janitor's garbage-collection phase.
func (e *Engine) DeleteByQuery(seriesName string, opts model.QueryOptions) (err error) {
	start := time.Now()
	defer func() { e.observe("delete_by_query", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleteByQuery(seriesName, opts)
}

func (e *Engine) deleteByQuery(seriesName string, opts model.QueryOptions) error {
	startKey, endKey := pointRange(seriesName, opts)

	it, err := e.store.IteratorFrom(startKey)
	if err != nil {
		return &InnerError{Op: "delete_by_query", Err: err}
	}

	batch := &kv.Batch{}
	for {
		entry, ok, err := it.Next()
		if err != nil {
			it.Close()
			return &InnerError{Op: "delete_by_query", Err: err}
		}
		if !ok || bytes.Compare(entry.Key, endKey) > 0 {
			break
		}
		batch.Delete(entry.Key)
	}
	// Release the iterator's read transaction before writing: with bbolt, a
	// write committed while the same goroutine still holds a read
	// transaction can block forever.
	it.Close()
	if batch.Len() == 0 {
		return nil
	}
	if err := e.store.Write(batch); err != nil {
		return &InnerError{Op: "delete_by_query", Err: err}
	}
	return nil
}

// Write commits a pre-built batch of mixed puts/deletes atomically. It
// exists so the janitor's compaction phase can assemble one batch per
// compaction strategy and commit it in a single call.
func (e *Engine) Write(batch *kv.Batch) (err error) {
	start := time.Now()
	defer func() { e.observe("write", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Write(batch); err != nil {
		return &InnerError{Op: "write", Err: err}
	}
	return nil
}

// WithExclusive runs fn once, for the whole of fn's body, under the
// engine's exclusive lock, the mechanism the janitor uses to hold
// exclusive access for an entire pass instead of re-acquiring the
// lock per operation, which would let a reader observe a half-compacted
// series between two of the pass's steps.
func (e *Engine) WithExclusive(fn func(*Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&Session{e: e})
}

// Session exposes the engine's lock-free internal operations to a caller
// that already holds the exclusive lock for the duration of a multi-step
// pass. It must never outlive the WithExclusive call that produced it.
type Session struct{ e *Engine }

// ListSeries enumerates every series without acquiring a lock of its own.
func (s *Session) ListSeries() ([]model.Series, error) { return s.e.listSeries() }

// IterPoints scans seriesName without acquiring a lock of its own.
func (s *Session) IterPoints(seriesName string, opts model.QueryOptions) ([]model.Point, error) {
	return s.e.iterPoints(seriesName, opts)
}

// DeleteByQuery deletes points in range without acquiring a lock of its own.
func (s *Session) DeleteByQuery(seriesName string, opts model.QueryOptions) error {
	return s.e.deleteByQuery(seriesName, opts)
}

// Write commits batch without acquiring a lock of its own.
func (s *Session) Write(batch *kv.Batch) error {
	if err := s.e.store.Write(batch); err != nil {
		return &InnerError{Op: "write", Err: err}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
