package timebase

import (
	"time"
)

// LocalClock is a source of local time. Monotonic returns the time elapsed
// since an arbitrary fixed epoch and never decreases, regardless of steps
// applied to the wall clock.
type LocalClock interface {
	Now() time.Time
	Monotonic() time.Duration
}
