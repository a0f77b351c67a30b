package timemath

import (
	"math"
	"slices"
	"time"
)

// FromMillis converts floating point milliseconds, the unit of the control
// surface, into a duration. Sub-nanosecond parts are truncated.
func FromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func Sign(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func Abs(d time.Duration) time.Duration {
	switch {
	case d == math.MinInt64:
		panic("unexpected duration value")
	case d < 0:
		return -d
	default:
		return d
	}
}

func Midpoint(x, y time.Duration) time.Duration {
	return x + (y-x)/2
}

// Median sorts ds in place and returns its median.
func Median(ds []time.Duration) time.Duration {
	n := len(ds)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(ds)
	i := n / 2
	if n%2 != 0 {
		return ds[i]
	}
	return Midpoint(ds[i-1], ds[i])
}
