package sync

import (
	"time"
)

// Now returns the corrected wall clock time. While the engine is starting
// the correction is zero; in the Degraded state the last good estimate is
// used and ErrorCode reports why it may be stale.
func (e *Engine) Now() (time.Time, error) {
	s := e.snap.Load()
	if s.state == Stopped {
		return time.Time{}, ErrNotStarted
	}
	return s.now(e.clk.Monotonic()), nil
}

// GetTime returns the corrected time elapsed since StartTime.
func (e *Engine) GetTime() (time.Duration, error) {
	s := e.snap.Load()
	if s.state == Stopped {
		return 0, ErrNotStarted
	}
	return s.now(e.clk.Monotonic()).Sub(*s.base.Load()), nil
}

// SetTime moves the time base so that GetTime returns hint at this instant.
// The local system clock is not modified. The time base is reset by the
// next Start.
func (e *Engine) SetTime(hint time.Duration) error {
	s := e.snap.Load()
	if s.state == Stopped {
		return ErrNotStarted
	}
	base := s.now(e.clk.Monotonic()).Add(-hint)
	s.base.Store(&base)
	return nil
}

// StartTime returns the absolute time corresponding to a GetTime value of
// zero. Initially this is the wall clock time captured at Start.
func (e *Engine) StartTime() (time.Time, error) {
	s := e.snap.Load()
	if s.state == Stopped {
		return time.Time{}, ErrNotStarted
	}
	return *s.base.Load(), nil
}

// MonotonicNow reads the local monotonic clock. It is available regardless
// of the engine state and is meant for bracketing other reads.
func (e *Engine) MonotonicNow() time.Duration {
	return e.clk.Monotonic()
}

func (e *Engine) ErrorCode() ErrorCode {
	return e.snap.Load().code
}

func (e *Engine) State() State {
	return e.snap.Load().state
}

func (e *Engine) Status() Status {
	s := e.snap.Load()
	return s.status(e.clk.Monotonic())
}
