// Package model defines the entities the storage engine operates on:
// series, points, retention and compaction policies, and query options.
package model

import (
	"fmt"
	"time"

	"github.com/kakoidb/kakoidb/internal/aggregate"
	"github.com/kakoidb/kakoidb/internal/duration"
)

// CurrentStorageVersion is written onto every newly created Series. Readers
// of older records that lack the field MUST treat it as 0.
const CurrentStorageVersion = 0

// CompactionStrategy declares that, past a given age, points in a series
// should be bucketed into windows of Aggregate.Over and reduced with
// Aggregate.Function.
type CompactionStrategy struct {
	After     duration.Duration  `json:"after" yaml:"after"`
	Aggregate aggregate.Strategy `json:"aggregate" yaml:"aggregate"`
}

// RetentionPolicy is the full set of retention rules attached to a series.
type RetentionPolicy struct {
	Compact   []CompactionStrategy `json:"compact,omitempty" yaml:"compact,omitempty"`
	DropAfter *duration.Duration   `json:"drop_after,omitempty" yaml:"drop_after,omitempty"`
}

// Validate checks the invariants a retention policy must hold before it is
// accepted by create_series: every compaction window must be positive, and
// strategies must be sorted by strictly increasing age (resolves the
// threaded since/until ambiguity in the janitor's compaction fold).
func (p RetentionPolicy) Validate() error {
	lastAge := time.Duration(-1)
	for i, c := range p.Compact {
		if err := c.Aggregate.Validate(); err != nil {
			return fmt.Errorf("retention policy: compact[%d]: %w", i, err)
		}
		age := c.After.Std()
		if age <= lastAge {
			return fmt.Errorf("retention policy: compact[%d]: after=%q must be strictly greater in age than the preceding strategy", i, c.After)
		}
		lastAge = age
	}
	return nil
}

// Series is a named, append-only collection of time-stamped samples.
type Series struct {
	Name            string           `json:"name" yaml:"name"`
	RetentionPolicy *RetentionPolicy `json:"retention_policy,omitempty" yaml:"retention_policy,omitempty"`
	StorageVersion  int              `json:"storage_version" yaml:"storage_version"`
}

// NewSeries is the input shape for create_series.
type NewSeries struct {
	Name            string           `json:"name"`
	RetentionPolicy *RetentionPolicy `json:"retention_policy,omitempty"`
}

// Normalize converts a NewSeries into the canonical Series record stored
// under series::<name>.
func (n NewSeries) Normalize() Series {
	return Series{
		Name:            n.Name,
		RetentionPolicy: n.RetentionPolicy,
		StorageVersion:  CurrentStorageVersion,
	}
}

// Point is a single (time, value) sample.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// NewPoint is the input shape for create_point.
type NewPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// StoragePoint is the on-disk payload for a point record; the timestamp
// itself lives in the key, not the value (see internal/kv).
type StoragePoint struct {
	Value float64 `json:"value"`
}

// QueryOptions bounds and optionally aggregates a query over a series.
type QueryOptions struct {
	Since     *time.Time          `json:"since,omitempty"`
	Until     *time.Time          `json:"until,omitempty"`
	Aggregate *aggregate.Strategy `json:"aggregate,omitempty"`
}
