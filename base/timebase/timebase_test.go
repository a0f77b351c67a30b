package timebase_test

import (
	"testing"
	"time"

	"example.com/ntp-sync/base/timebase"
)

type scriptedClock struct {
	wall  time.Time
	mono  time.Duration
	steps []time.Duration
}

func (c *scriptedClock) Now() time.Time {
	return c.wall.Add(c.mono)
}

func (c *scriptedClock) Monotonic() time.Duration {
	m := c.mono
	if len(c.steps) != 0 {
		c.mono += c.steps[0]
		c.steps = c.steps[1:]
	}
	return m
}

func TestMeasureDiscardsStall(t *testing.T) {
	c := &scriptedClock{}
	f := timebase.StallFilter{Threshold: 500 * time.Microsecond}

	read := func(stall time.Duration) int {
		v, elapsed := timebase.Measure(c.Monotonic, func() int {
			c.mono += stall
			return 42
		})
		if v != 42 {
			t.Fatalf("Measure returned %d, want 42", v)
		}
		if elapsed != stall {
			t.Fatalf("Measure elapsed %v, want %v", elapsed, stall)
		}
		if f.Accept(elapsed) {
			return 1
		}
		return 0
	}

	n := 0
	n += read(10 * time.Microsecond)
	n += read(2 * time.Millisecond)
	n += read(500 * time.Microsecond)
	n += read(501 * time.Microsecond)

	if n != 2 || f.Accepted() != 2 || f.Skipped() != 2 {
		t.Errorf("accepted %d (%d), skipped %d, want 2, 2", n, f.Accepted(), f.Skipped())
	}
}

func TestCaptureAnchorPicksTightestBracket(t *testing.T) {
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := &scriptedClock{
		wall: base,
		// per trial: the step inside the bracket, then the gap to the next trial
		steps: []time.Duration{
			5 * time.Millisecond, time.Millisecond,
			time.Microsecond, time.Millisecond,
			3 * time.Millisecond, time.Millisecond,
		},
	}
	a := timebase.CaptureAnchor(c, 3)

	// The second trial is bracketed by 6ms and 6ms+1us.
	if want := 6*time.Millisecond + 500*time.Nanosecond; a.Mono != want {
		t.Errorf("anchor mono = %v, want %v", a.Mono, want)
	}
	if want := base.Add(6*time.Millisecond + time.Microsecond); !a.Wall.Equal(want) {
		t.Errorf("anchor wall = %v, want %v", a.Wall, want)
	}
}

func TestAnchoredClockIgnoresWallSteps(t *testing.T) {
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := &scriptedClock{wall: base}
	ac := timebase.AnchoredClock{C: c, A: timebase.Anchor{Wall: base, Mono: 0}}

	c.mono = time.Second
	c.wall = base.Add(-time.Hour)
	if got, want := ac.Now(), base.Add(time.Second); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}
