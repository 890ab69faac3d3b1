// Package duration implements the human-readable span grammar used for
// retention and compaction windows: "<integer> <unit>", e.g. "5 minutes".
package duration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit identifies the time unit a Duration is expressed in.
type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
	Weeks   Unit = "weeks"
	Years   Unit = "years"
)

func unitFromToken(tok string) (Unit, bool) {
	switch tok {
	case "m", "minute", "minutes":
		return Minutes, true
	case "h", "hour", "hours":
		return Hours, true
	case "d", "day", "days":
		return Days, true
	case "w", "week", "weeks":
		return Weeks, true
	case "y", "year", "years":
		return Years, true
	default:
		return "", false
	}
}

// Duration is a value/unit pair, e.g. {Value: 5, Unit: Minutes}.
type Duration struct {
	Value int
	Unit  Unit
}

// Parse parses the grammar "<integer> <unit>". A malformed string (wrong
// shape, unknown unit, non-integer value) is reported as an error rather
// than silently treated as zero.
func Parse(s string) (Duration, error) {
	parts := strings.Split(s, " ")
	if len(parts) != 2 {
		return Duration{}, fmt.Errorf("duration: %q is not of the form \"<integer> <unit>\"", s)
	}

	value, err := strconv.Atoi(parts[0])
	if err != nil {
		return Duration{}, fmt.Errorf("duration: %q: invalid integer value: %w", s, err)
	}

	unit, ok := unitFromToken(parts[1])
	if !ok {
		return Duration{}, fmt.Errorf("duration: %q: unknown unit %q", s, parts[1])
	}

	return Duration{Value: value, Unit: unit}, nil
}

// MustParse parses s and panics on error. Intended for package-level
// defaults and tests, never for values that originate outside the binary.
func MustParse(s string) Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the duration back in "<value> <unit>" form. Parse(d.String())
// reproduces d for every value this package can produce.
func (d Duration) String() string {
	return fmt.Sprintf("%d %s", d.Value, d.Unit)
}

// Std converts the duration to a time.Duration. Years are normalized to
// exactly 365 days; this package never consults a calendar.
func (d Duration) Std() time.Duration {
	n := time.Duration(d.Value)
	switch d.Unit {
	case Minutes:
		return n * time.Minute
	case Hours:
		return n * time.Hour
	case Days:
		return n * 24 * time.Hour
	case Weeks:
		return n * 7 * 24 * time.Hour
	case Years:
		return n * 365 * 24 * time.Hour
	default:
		return 0
	}
}

// Before returns t - d.
func (d Duration) Before(t time.Time) time.Time {
	return t.Add(-d.Std())
}

// After returns t + d.
func (d Duration) After(t time.Time) time.Time {
	return t.Add(d.Std())
}

// MarshalJSON renders the duration using its string grammar, so it appears
// on the wire as "5 minutes" rather than as its internal {Value, Unit}
// struct shape.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts the same string grammar on the way in.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the duration using its string grammar so it reads
// naturally in a config file ("janitor.interval: 5 minutes").
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts the same string grammar on the way in.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
