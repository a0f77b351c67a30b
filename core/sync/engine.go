package sync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/metrics"
	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/core/client"
	"example.com/ntp-sync/core/config"
	"example.com/ntp-sync/core/estimator"
	lclk "example.com/ntp-sync/driver/clock"
)

const (
	anchorTrials = 20
	maxSlewRate  = 0.5
)

var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")

	errStartupTimeout = errors.New("no reply within startup timeout")
)

type engineMetrics struct {
	cycles   prometheus.Counter
	failures *prometheus.CounterVec
	offset   prometheus.Gauge
	delay    prometheus.Gauge
	state    prometheus.Gauge
}

var syncMetrics atomic.Pointer[engineMetrics]

func init() {
	syncMetrics.Store(&engineMetrics{
		cycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineCyclesN,
			Help: metrics.EngineCyclesH,
		}),
		failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.EngineCycleFailuresN,
			Help: metrics.EngineCycleFailuresH,
		}, []string{"cause"}),
		offset: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EngineOffsetN,
			Help: metrics.EngineOffsetH,
		}),
		delay: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EngineDelayN,
			Help: metrics.EngineDelayH,
		}),
		state: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EngineStateN,
			Help: metrics.EngineStateH,
		}),
	})
}

// Dialer sets up the transport to the configured peer. Exchanges must be
// timestamped with clk.
type Dialer func(ctx context.Context, log *zap.Logger, cfg config.Sync,
	clk timebase.LocalClock) (client.Exchanger, error)

type Option func(*Engine)

// WithLocalClock replaces the system clock as the source of local time.
func WithLocalClock(c timebase.LocalClock) Option {
	return func(e *Engine) {
		e.clk = c
		e.sysClk = nil
	}
}

// WithTimer replaces the clock driving cycle scheduling. Exchange timeouts
// always use real time.
func WithTimer(c clock.Clock) Option {
	return func(e *Engine) { e.timer = c }
}

func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// OnError registers f to be called from the cycle goroutine whenever the
// error code changes to a value other than None. f must neither block nor
// call Stop.
func OnError(f func(ErrorCode)) Option {
	return func(e *Engine) { e.onError = f }
}

type session struct {
	cancel context.CancelFunc
	xchg   client.Exchanger
	ready  chan struct{}
	done   chan struct{}
}

// Engine keeps a corrected clock synchronized to a single peer.
//
// A background cycle exchanges timestamps with the peer, filters the
// resulting offset samples and publishes an immutable snapshot. Readers of
// the corrected time only load the latest snapshot and the local monotonic
// clock; they never block on the network.
//
// Corrected time is derived from the local monotonic clock through an
// anchor captured at Start, so steps of the system wall clock do not
// affect it.
type Engine struct {
	log     *zap.Logger
	clk     timebase.LocalClock
	sysClk  timebase.LocalClock
	timer   clock.Clock
	dial    Dialer
	onError func(ErrorCode)

	mu  sync.Mutex
	cur *session
	wg  sync.WaitGroup

	snap atomic.Pointer[snapshot]
}

func NewEngine(log *zap.Logger, opts ...Option) *Engine {
	sys := &lclk.SystemClock{Log: log}
	e := &Engine{
		log:    log.With(zap.String("engine", uuid.NewString())),
		clk:    sys,
		sysClk: sys,
		timer:  clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dial == nil {
		e.dial = e.dialPeer
	}
	e.snap.Store(&snapshot{state: Stopped, code: NotStarted})
	return e
}

func (e *Engine) dialPeer(ctx context.Context, log *zap.Logger, cfg config.Sync,
	clk timebase.LocalClock) (client.Exchanger, error) {
	switch cfg.Transport {
	case config.TransportSNTP:
		host, port, err := client.SplitPeerAddr(cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		return &client.QueryClient{
			Log:       log,
			Clock:     clk,
			Host:      host,
			Port:      port,
			LocalAddr: cfg.LocalAddr,
		}, nil
	default:
		c := &client.IPClient{Log: log, Clock: clk, SysClock: e.sysClk, DSCP: cfg.DSCP}
		if cfg.LocalAddr != "" {
			laddr, err := netip.ParseAddr(cfg.LocalAddr)
			if err != nil {
				return nil, err
			}
			c.LocalAddr = laddr
		}
		err := c.Dial(ctx, cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Start validates cfg, sets up the transport and starts the background
// cycle. It blocks until the first cycle succeeded or the startup timeout
// elapsed; in the latter case the engine keeps running in the Degraded
// state. Configuration and transport setup errors are returned directly.
//
// The engine is not bound to ctx once Start has returned.
func (e *Engine) Start(ctx context.Context, cfg config.Sync) error {
	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	log := e.log.With(zap.String("peer", cfg.PeerAddr))
	anchor := timebase.CaptureAnchor(e.clk, anchorTrials)
	xchg, err := e.dial(ctx, log, cfg, timebase.AnchoredClock{C: e.clk, A: anchor})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to set up transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &session{
		cancel: cancel,
		xchg:   xchg,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.cur = r
	base := new(atomic.Pointer[time.Time])
	base.Store(&anchor.Wall)
	e.publish(&snapshot{
		state:    Starting,
		anchor:   anchor,
		base:     base,
		slewRate: min(cfg.MaxOffset.Seconds()/2, maxSlewRate),
	})
	log.Info("starting engine", zap.Time("anchor", anchor.Wall))

	est := estimator.New(estimator.Config{
		MaxDelay:      cfg.MaxDelay,
		Tolerance:     cfg.MaxOffset,
		Window:        cfg.FilterSize,
		Pick:          cfg.FilterPick,
		MaxRejections: cfg.MaxRejections,
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		e.run(runCtx, log, cfg, r, est)
	}()
	e.mu.Unlock()

	select {
	case <-r.ready:
		return nil
	case <-r.done:
		return fmt.Errorf("%w: stopped during startup", ErrNotStarted)
	case <-ctx.Done():
		e.mu.Lock()
		if e.cur == r {
			_ = e.stop()
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

// Stop cancels the background cycle, including an exchange in flight, and
// releases the transport. The cycle does not run again once Stop returned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ErrNotStarted
	}
	return e.stop()
}

func (e *Engine) stop() error {
	r := e.cur
	r.cancel()
	e.wg.Wait()
	err := r.xchg.Close()
	e.cur = nil
	e.publish(&snapshot{state: Stopped, code: NotStarted})
	e.log.Info("stopped engine")
	return err
}

func (e *Engine) publish(s *snapshot) {
	e.snap.Store(s)
	mtrcs := syncMetrics.Load()
	mtrcs.state.Set(float64(s.state))
	mtrcs.offset.Set(s.offset.Seconds())
	mtrcs.delay.Set(s.delay.Seconds())
}

func newPollBackOff(cfg config.Sync, c clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.MinPoll
	b.MaxInterval = cfg.SyncPeriod
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = c
	b.Reset()
	return b
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, cfg config.Sync,
	r *session, est *estimator.Estimator) {
	poll := newPollBackOff(cfg, e.timer)
	deadline := e.timer.Now().Add(cfg.StartupTimeout)
	starting := true
	for {
		var wait time.Duration
		if starting && !e.timer.Now().Before(deadline) {
			e.fail(log, fmt.Errorf("%w: %w", client.ErrNoResponse, errStartupTimeout), Degraded)
			starting = false
			close(r.ready)
			wait = cfg.MinPoll
		} else {
			timeout := cfg.ExchangeTimeout
			if starting {
				timeout = min(timeout, deadline.Sub(e.timer.Now()))
			}
			err := e.cycle(ctx, log, r.xchg, est, timeout, starting)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				wait = poll.NextBackOff()
				if starting {
					starting = false
					close(r.ready)
				}
			} else {
				poll.Reset()
				wait = cfg.MinPoll
				if starting {
					wait = min(wait, deadline.Sub(e.timer.Now()))
				}
			}
		}

		t := e.timer.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (e *Engine) cycle(ctx context.Context, log *zap.Logger, xchg client.Exchanger,
	est *estimator.Estimator, timeout time.Duration, starting bool) error {
	syncMetrics.Load().cycles.Inc()

	xctx, cancel := context.WithTimeout(ctx, timeout)
	x, err := xchg.Exchange(xctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var res estimator.Estimate
	if err == nil {
		res, err = est.Update(x)
	}

	prev := e.snap.Load()
	next := *prev
	mono := e.clk.Monotonic()
	if err == nil || res.Stepped {
		if res.Stepped {
			next.slewFrom = res.Offset
		} else {
			next.slewFrom = prev.offsetAt(mono)
		}
		next.slewStart = mono
		next.offset = res.Offset
		next.delay = res.Delay
		next.lastSync = x.T4
		if res.Stepped {
			log.Info("stepped clock offset", zap.Duration("offset", res.Offset))
		}
	}

	if err != nil {
		failed := Degraded
		if starting {
			failed = Starting
		}
		e.failWith(log, &next, prev, err, failed)
		return err
	}

	next.state = Synced
	next.code = None
	next.failures = 0
	e.publish(&next)
	if prev.state != Synced {
		log.Info("synchronized",
			zap.Stringer("from", prev.state),
			zap.Duration("offset", res.Offset),
			zap.Duration("delay", res.Delay),
		)
	}
	log.Debug("cycle completed",
		zap.Duration("sample offset", res.Sample.Offset),
		zap.Duration("sample delay", res.Sample.Delay),
		zap.Duration("offset", res.Offset),
		zap.Duration("applied offset", next.offsetAt(mono)),
	)
	return nil
}

func (e *Engine) fail(log *zap.Logger, err error, state State) {
	prev := e.snap.Load()
	next := *prev
	e.failWith(log, &next, prev, err, state)
}

func (e *Engine) failWith(log *zap.Logger, next, prev *snapshot, err error, state State) {
	code := errorCodeOf(err)
	next.state = state
	next.code = code
	next.failures++
	e.publish(next)
	syncMetrics.Load().failures.WithLabelValues(code.String()).Inc()

	if state != prev.state || code != prev.code {
		log.Info("cycle failed",
			zap.Stringer("state", state),
			zap.Stringer("code", code),
			zap.Int("failures", next.failures),
			zap.Error(err),
		)
	} else {
		log.Debug("cycle failed", zap.Int("failures", next.failures), zap.Error(err))
	}
	if code != prev.code && e.onError != nil {
		e.onError(code)
	}
}

func errorCodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return None
	case errors.Is(err, client.ErrTimeout):
		return Timeout
	case errors.Is(err, client.ErrNoResponse):
		return NoResponse
	case errors.Is(err, client.ErrMalformedReply):
		return MalformedReply
	case errors.Is(err, estimator.ErrDivergence),
		errors.Is(err, estimator.ErrOutOfTolerance):
		return OffsetDivergence
	case errors.Is(err, estimator.ErrInvalidExchange),
		errors.Is(err, estimator.ErrImplausibleDelay):
		return MalformedReply
	default:
		return NoResponse
	}
}
