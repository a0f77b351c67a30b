package timebase

import (
	"math"
	"time"

	"example.com/ntp-sync/base/timemath"
)

// Anchor pairs a wall clock reading with the monotonic reading taken at the
// same instant.
type Anchor struct {
	Wall time.Time
	Mono time.Duration
}

// At maps a monotonic reading onto the wall clock timeline of a.
func (a Anchor) At(mono time.Duration) time.Time {
	return a.Wall.Add(mono - a.Mono)
}

// CaptureAnchor reads c trials times and keeps the wall reading with the
// tightest monotonic bracket.
func CaptureAnchor(c LocalClock, trials int) Anchor {
	if trials <= 0 {
		panic("unexpected number of trials")
	}
	var a Anchor
	best := time.Duration(math.MaxInt64)
	for range trials {
		m0 := c.Monotonic()
		w := c.Now()
		m1 := c.Monotonic()
		if d := m1 - m0; d < best {
			best = d
			a = Anchor{Wall: w, Mono: timemath.Midpoint(m0, m1)}
		}
	}
	return a
}

// AnchoredClock is a wall clock derived from the monotonic clock of C.
// Steps of the system wall clock after the anchor was taken do not affect
// it.
type AnchoredClock struct {
	C LocalClock
	A Anchor
}

var _ LocalClock = AnchoredClock{}

func (c AnchoredClock) Now() time.Time {
	return c.A.At(c.C.Monotonic())
}

func (c AnchoredClock) Monotonic() time.Duration {
	return c.C.Monotonic()
}
