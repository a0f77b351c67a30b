//go:build !linux

package clock

import (
	"time"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/timebase"
)

var processStart = time.Now()

type SystemClock struct {
	Log *zap.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) Monotonic() time.Duration {
	return time.Since(processStart)
}
