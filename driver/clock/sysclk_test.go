package clock_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/driver/clock"
)

func TestMonotonicNonDecreasing(t *testing.T) {
	c := &clock.SystemClock{Log: zap.NewNop()}
	prev := c.Monotonic()
	for range 10000 {
		m := c.Monotonic()
		if m < prev {
			t.Fatalf("Monotonic went backwards: %v < %v", m, prev)
		}
		prev = m
	}
}

func TestNowTracksSystemTime(t *testing.T) {
	c := &clock.SystemClock{Log: zap.NewNop()}
	d := c.Now().Sub(time.Now())
	if d < -time.Second || d > time.Second {
		t.Errorf("Now() differs from time.Now() by %v", d)
	}
}

func TestReadCost(t *testing.T) {
	c := &clock.SystemClock{Log: zap.NewNop()}
	best := time.Duration(1<<63 - 1)
	for range 100 {
		_, elapsed := timebase.Measure(c.Monotonic, c.Now)
		best = min(best, elapsed)
	}
	if best < 0 || best > time.Millisecond {
		t.Errorf("fastest bracketed read took %v", best)
	}
}
