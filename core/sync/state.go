package sync

import (
	"sync/atomic"
	"time"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/base/timemath"
)

type State int

const (
	Stopped State = iota
	Starting
	Synced
	Degraded
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Synced:
		return "synced"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ErrorCode is the sticky outcome of the most recent cycle. It is cleared by
// the next successful cycle.
type ErrorCode int

const (
	None ErrorCode = iota
	NoResponse
	Timeout
	MalformedReply
	OffsetDivergence
	NotStarted
)

func (c ErrorCode) String() string {
	switch c {
	case None:
		return "none"
	case NoResponse:
		return "no response"
	case Timeout:
		return "timeout"
	case MalformedReply:
		return "malformed reply"
	case OffsetDivergence:
		return "offset divergence"
	case NotStarted:
		return "not started"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of the engine state.
type Status struct {
	State State
	Code  ErrorCode
	// Offset is the correction currently applied to the local clock. It
	// trails Target while a change is being slewed in.
	Offset time.Duration
	Target time.Duration
	Delay  time.Duration
	// LastSync is the local receive time of the last accepted exchange.
	LastSync time.Time
	// Failures counts consecutive failed cycles.
	Failures int
}

// snapshot is published atomically by the cycle goroutine and never
// modified afterwards. All snapshots of one session share its time base,
// the absolute time GetTime is relative to; it is nil once stopped.
type snapshot struct {
	state    State
	code     ErrorCode
	anchor   timebase.Anchor
	base     *atomic.Pointer[time.Time]
	offset   time.Duration
	delay    time.Duration
	lastSync time.Time
	failures int

	// The applied offset moves from slewFrom towards offset at slewRate,
	// starting at monotonic time slewStart.
	slewFrom  time.Duration
	slewStart time.Duration
	slewRate  float64
}

func (s *snapshot) offsetAt(mono time.Duration) time.Duration {
	d := s.offset - s.slewFrom
	if d == 0 {
		return s.offset
	}
	elapsed := mono - s.slewStart
	if elapsed <= 0 {
		return s.slewFrom
	}
	adj := time.Duration(s.slewRate * float64(elapsed))
	if adj >= timemath.Abs(d) {
		return s.offset
	}
	return s.slewFrom + time.Duration(timemath.Sign(d))*adj
}

func (s *snapshot) now(mono time.Duration) time.Time {
	return s.anchor.At(mono).Add(s.offsetAt(mono))
}

func (s *snapshot) status(mono time.Duration) Status {
	return Status{
		State:    s.state,
		Code:     s.code,
		Offset:   s.offsetAt(mono),
		Target:   s.offset,
		Delay:    s.delay,
		LastSync: s.lastSync,
		Failures: s.failures,
	}
}
