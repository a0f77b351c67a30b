package estimator

import (
	"errors"
	"fmt"
	"time"

	"example.com/ntp-sync/base/timemath"
	"example.com/ntp-sync/core/measurements"
)

// Number of accepted updates applied without a tolerance check.
const warmupUpdates = 2

var (
	ErrInvalidExchange  = errors.New("exchange timestamps out of order")
	ErrImplausibleDelay = errors.New("implausible round trip delay")
	ErrOutOfTolerance   = errors.New("offset outside tolerance")
	ErrDivergence       = errors.New("offset diverged")
)

type Config struct {
	// Samples with a round trip delay above MaxDelay are rejected.
	MaxDelay time.Duration
	// After warm-up, filter outputs further than Tolerance from the
	// current estimate are held back as outliers.
	Tolerance time.Duration
	// Window and Pick configure the lucky packet filter.
	Window int
	Pick   int
	// MaxRejections is the number of consecutive rejected updates after
	// which the estimate is reported as diverged.
	MaxRejections int
}

// Estimate is the outcome of one update.
type Estimate struct {
	Sample measurements.Sample
	Offset time.Duration
	Delay  time.Duration
	// Stepped is set when the estimate was anchored on this update rather
	// than adjusted within tolerance.
	Stepped bool
}

// Estimator turns timestamp exchanges with a single peer into a filtered
// clock offset estimate.
//
// Every update either adjusts the estimate or is rejected. An update is
// rejected if its timestamps are out of order, if its delay is negative or
// above MaxDelay, or if the filter output it would produce lies outside
// Tolerance of the current estimate. Rejected samples never enter the
// filter window. MaxRejections consecutive rejections yield ErrDivergence;
// if all of them were tolerance violations the estimate is re-anchored on
// the run of rejected samples.
type Estimator struct {
	cfg        Config
	filter     *LuckyPacketFilter
	updates    int
	offset     time.Duration
	delay      time.Duration
	rejections int
	outliers   []measurements.Sample
}

func New(cfg Config) *Estimator {
	if cfg.MaxDelay <= 0 {
		panic("max delay must be greater than 0")
	}
	if cfg.Tolerance <= 0 {
		panic("tolerance must be greater than 0")
	}
	if cfg.MaxRejections <= 0 {
		panic("max rejections must be greater than 0")
	}
	return &Estimator{
		cfg:      cfg,
		filter:   NewLuckyPacketFilter(cfg.Window, cfg.Pick),
		outliers: make([]measurements.Sample, 0, cfg.MaxRejections),
	}
}

// Offset returns the current estimate. ok is false until the first update
// has been accepted.
func (e *Estimator) Offset() (offset time.Duration, ok bool) {
	return e.offset, e.updates != 0
}

func (e *Estimator) current(s measurements.Sample) Estimate {
	return Estimate{Sample: s, Offset: e.offset, Delay: e.delay}
}

func (e *Estimator) reject(s measurements.Sample, err error) (Estimate, error) {
	e.rejections++
	if e.rejections >= e.cfg.MaxRejections {
		return e.current(s), fmt.Errorf("%w after %d rejections: %w",
			ErrDivergence, e.rejections, err)
	}
	return e.current(s), err
}

func (e *Estimator) Update(x measurements.Exchange) (Estimate, error) {
	if !x.Ordered() {
		e.outliers = e.outliers[:0]
		return e.reject(measurements.Sample{Timestamp: x.T4}, ErrInvalidExchange)
	}
	s := x.Sample()
	if s.Delay < 0 || s.Delay > e.cfg.MaxDelay {
		e.outliers = e.outliers[:0]
		return e.reject(s, fmt.Errorf("%w: %v", ErrImplausibleDelay, s.Delay))
	}

	if e.updates >= warmupUpdates {
		c := e.filter.Peek(s)
		if d := c.Offset - e.offset; timemath.Abs(d) > e.cfg.Tolerance {
			e.outliers = append(e.outliers, s)
			if len(e.outliers) < e.cfg.MaxRejections {
				return e.reject(s, fmt.Errorf("%w: %v", ErrOutOfTolerance, d))
			}
			e.filter.Reset()
			for _, o := range e.outliers {
				c = e.filter.Do(o)
			}
			e.accept(c)
			est := e.current(s)
			est.Stepped = true
			return est, fmt.Errorf("%w: re-anchored after %d outliers: %w",
				ErrDivergence, e.cfg.MaxRejections, ErrOutOfTolerance)
		}
	}

	first := e.updates == 0
	e.accept(e.filter.Do(s))
	est := e.current(s)
	est.Stepped = first
	return est, nil
}

func (e *Estimator) accept(c measurements.Sample) {
	e.offset = c.Offset
	e.delay = c.Delay
	e.updates++
	e.rejections = 0
	e.outliers = e.outliers[:0]
}
