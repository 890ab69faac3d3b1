package aggregate

import "time"

// Sample is the minimal (time, value) pair the windower operates over. It
// mirrors model.Point without importing it, so this package has no
// dependency on the entity model.
type Sample struct {
	Time  time.Time
	Value float64
}

// Window folds an ordered sequence of samples into tumbling windows using
// strategy s, emitting one output sample per window. Samples must already
// be in non-decreasing time order; Window does not sort.
//
// A window closes once a sample arrives whose time is at least s.Over past
// the window's start; the closing sample starts the next window. The final
// in-progress window is always emitted, mirroring a strict left fold with
// an unconditional flush at the end rather than a lookahead.
func Window(samples []Sample, s Strategy) []Sample {
	if len(samples) == 0 {
		return nil
	}

	w := s.Over.Std()
	fn := s.Function

	var out []Sample
	startTime := samples[0].Time
	value := samples[0].Value
	count := 1

	for _, p := range samples[1:] {
		if p.Time.Sub(startTime) >= w {
			out = append(out, Sample{Time: startTime, Value: fn.Finish(value, count)})
			startTime = p.Time
			value = p.Value
			count = 1
			continue
		}
		value = fn.Reduce(value, p.Value)
		count++
	}

	out = append(out, Sample{Time: startTime, Value: fn.Finish(value, count)})
	return out
}
