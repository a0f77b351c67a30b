package timebase

import (
	"time"
)

// Measure calls f between two reads of mono and returns the result of f
// together with the time that passed between the reads.
func Measure[T any](mono func() time.Duration, f func() T) (T, time.Duration) {
	t0 := mono()
	v := f()
	t1 := mono()
	return v, t1 - t0
}

// StallFilter decides whether a bracketed measurement is usable. A
// measurement whose bracket exceeds Threshold was most likely interrupted
// by the scheduler and must be discarded.
type StallFilter struct {
	Threshold time.Duration

	accepted int
	skipped  int
}

func (f *StallFilter) Accept(elapsed time.Duration) bool {
	if elapsed > f.Threshold {
		f.skipped++
		return false
	}
	f.accepted++
	return true
}

func (f *StallFilter) Accepted() int { return f.accepted }

func (f *StallFilter) Skipped() int { return f.skipped }
