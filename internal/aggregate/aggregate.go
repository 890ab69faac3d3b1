// Package aggregate implements the reduction functions used by queries and
// by the janitor's compaction pass: a closed set of pure reduce/finish pairs
// folded over a tumbling window.
package aggregate

import (
	"fmt"
	"math"

	"github.com/kakoidb/kakoidb/internal/duration"
)

// Function is a closed enum of reduction strategies. New functions are
// added here, not via an open/plug-in mechanism.
type Function string

const (
	Oldest Function = "oldest"
	Newest Function = "newest"
	Max    Function = "max"
	Min    Function = "min"
	Sum    Function = "sum"
	Avg    Function = "avg"
)

// Valid reports whether f is one of the known functions.
func (f Function) Valid() bool {
	switch f {
	case Oldest, Newest, Max, Min, Sum, Avg:
		return true
	default:
		return false
	}
}

// Reduce folds one more sample into the running accumulator. It must never
// divide by the running count; only Finish does that, for Avg.
func (f Function) Reduce(prev, cur float64) float64 {
	switch f {
	case Oldest:
		return prev
	case Newest:
		return cur
	case Max:
		return math.Max(prev, cur)
	case Min:
		return math.Min(prev, cur)
	case Sum, Avg:
		return prev + cur
	default:
		return cur
	}
}

// Finish produces a window's output value from the accumulator and the
// number of samples folded into it.
func (f Function) Finish(value float64, count int) float64 {
	if f == Avg {
		return value / float64(count)
	}
	return value
}

// Strategy pairs a reduction function with the window it is applied over.
type Strategy struct {
	Function Function          `json:"function" yaml:"function"`
	Over     duration.Duration `json:"over" yaml:"over"`
}

// Validate reports whether the strategy is admissible: the function must be
// one of the known constants and the window must be positive.
func (s Strategy) Validate() error {
	if !s.Function.Valid() {
		return fmt.Errorf("aggregate: unknown function %q", s.Function)
	}
	if s.Over.Std() <= 0 {
		return fmt.Errorf("aggregate: window %q must be positive", s.Over)
	}
	return nil
}
