//go:build linux

package clock

import (
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"example.com/ntp-sync/base/logbase"
	"example.com/ntp-sync/base/timebase"
)

// SystemClock reads CLOCK_REALTIME for wall time and CLOCK_MONOTONIC_RAW
// for elapsed time. CLOCK_MONOTONIC_RAW is neither stepped nor slewed by
// NTP daemons running on the host.
type SystemClock struct {
	Log *zap.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func (c *SystemClock) Now() time.Time {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts)
	if err != nil {
		logbase.Fatal(c.Log, "unix.ClockGettime failed", zap.Error(err))
	}
	return time.Unix(ts.Unix()).UTC()
}

func (c *SystemClock) Monotonic() time.Duration {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts)
	if err != nil {
		logbase.Fatal(c.Log, "unix.ClockGettime failed", zap.Error(err))
	}
	return time.Duration(ts.Nano())
}
