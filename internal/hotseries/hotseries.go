// Package hotseries tracks which series are queried and written most
// often, purely for operator visibility; it never influences query or
// retention behavior.
package hotseries

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stats is one series' access record. Score is the decaying hotness
// measure Top orders by; Queries and Writes are lifetime counts.
type Stats struct {
	Series     string    `json:"series"`
	Queries    int64     `json:"queries"`
	Writes     int64     `json:"writes"`
	Score      float64   `json:"score"`
	LastAccess time.Time `json:"last_access"`
}

type record struct {
	queries int64
	writes  int64
	score   float64
	last    time.Time
}

// Tracker keeps per-series access records with a decaying hotness score:
// every query or write adds one, and the score halves once per halfLife of
// inactivity. Decay is computed lazily from the last-access timestamp
// whenever a record is touched or read, so the tracker needs no background
// goroutine. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	series   map[string]*record
	topN     int
	halfLife time.Duration
	now      func() time.Time
}

// New creates a tracker reporting up to topN series, with scores halving
// every halfLife of inactivity (0 disables decay).
func New(topN int, halfLife time.Duration) *Tracker {
	if topN <= 0 {
		topN = 100
	}
	return &Tracker{
		series:   make(map[string]*record),
		topN:     topN,
		halfLife: halfLife,
		now:      time.Now,
	}
}

// RecordQuery notes one read against series.
func (t *Tracker) RecordQuery(series string) { t.record(series, true) }

// RecordWrite notes one point write against series.
func (t *Tracker) RecordWrite(series string) { t.record(series, false) }

func (t *Tracker) record(series string, query bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.series[series]
	if !ok {
		if len(t.series) >= t.topN*4 {
			t.evictColdest(now)
		}
		r = &record{}
		t.series[series] = r
	}
	r.score = t.decayed(r, now) + 1
	r.last = now
	if query {
		r.queries++
	} else {
		r.writes++
	}
}

// decayed returns r's score as of now, halved once per halfLife elapsed
// since the series was last accessed.
func (t *Tracker) decayed(r *record, now time.Time) float64 {
	if t.halfLife <= 0 || r.last.IsZero() {
		return r.score
	}
	elapsed := now.Sub(r.last)
	if elapsed <= 0 {
		return r.score
	}
	return r.score * math.Exp2(-float64(elapsed)/float64(t.halfLife))
}

// evictColdest drops the record with the lowest current score, bounding
// how many series the tracker holds. Called with the lock held.
func (t *Tracker) evictColdest(now time.Time) {
	coldest := ""
	coldestScore := math.Inf(1)
	for name, r := range t.series {
		if s := t.decayed(r, now); s < coldestScore {
			coldestScore, coldest = s, name
		}
	}
	if coldest != "" {
		delete(t.series, coldest)
	}
}

// Forget drops a series' record entirely. The storage engine calls this
// when the series itself is deleted, so the cascade covers the tracker
// too.
func (t *Tracker) Forget(series string) {
	t.mu.Lock()
	delete(t.series, series)
	t.mu.Unlock()
}

// Stats returns the current record for one series. ok is false when the
// series has never been accessed or has been forgotten.
func (t *Tracker) Stats(series string) (Stats, bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.series[series]
	if !ok {
		return Stats{Series: series}, false
	}
	return t.snapshot(series, r, now), true
}

func (t *Tracker) snapshot(name string, r *record, now time.Time) Stats {
	return Stats{
		Series:     name,
		Queries:    r.queries,
		Writes:     r.writes,
		Score:      t.decayed(r, now),
		LastAccess: r.last,
	}
}

// Top returns up to n series ordered by descending score, ties broken by
// name so the order is stable. n <= 0 defaults to the configured topN.
func (t *Tracker) Top(n int) []Stats {
	if n <= 0 {
		n = t.topN
	}
	now := t.now()

	t.mu.Lock()
	all := make([]Stats, 0, len(t.series))
	for name, r := range t.series {
		all = append(all, t.snapshot(name, r, now))
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Series < all[j].Series
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size reports how many series currently carry a record.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.series)
}
