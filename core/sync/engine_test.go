package sync_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/siderolabs/go-retry/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/core/client"
	"example.com/ntp-sync/core/config"
	"example.com/ntp-sync/core/measurements"
	"example.com/ntp-sync/core/server"
	ntpsync "example.com/ntp-sync/core/sync"
	lclk "example.com/ntp-sync/driver/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(peer string) config.Sync {
	cfg := config.NewSync(peer, 20*time.Millisecond, 200*time.Millisecond)
	cfg.MinPoll = 20 * time.Millisecond
	cfg.ExchangeTimeout = 200 * time.Millisecond
	cfg.StartupTimeout = time.Second
	cfg.MaxDelay = 100 * time.Millisecond
	return cfg
}

func eventually(t *testing.T, f func() error) {
	t.Helper()
	err := retry.Constant(5*time.Second, retry.WithUnits(10*time.Millisecond)).Retry(f)
	require.NoError(t, err)
}

type EngineSuite struct {
	suite.Suite

	log *zap.Logger
	srv *server.IPServer
}

func (s *EngineSuite) SetupTest() {
	s.log = zaptest.NewLogger(s.T())
	srv, err := server.StartIPServer(context.Background(), s.log, &lclk.SystemClock{Log: s.log},
		server.Config{
			LocalAddr:    "127.0.0.1:0",
			NumGoroutine: 2,
		})
	s.Require().NoError(err)
	s.srv = srv
}

func (s *EngineSuite) TearDownTest() {
	s.Require().NoError(s.srv.Close())
}

func (s *EngineSuite) peer() string {
	return s.srv.LocalAddr().String()
}

func (s *EngineSuite) TestStartSynced() {
	const off = 150 * time.Millisecond
	s.srv.SetBehavior(server.Behavior{Offset: off})

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), testConfig(s.peer())))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.Assert().Equal(ntpsync.Synced, e.State())
	s.Assert().Equal(ntpsync.None, e.ErrorCode())

	st := e.Status()
	s.Assert().InDelta(off.Seconds(), st.Target.Seconds(), 0.01)
	s.Assert().InDelta(off.Seconds(), st.Offset.Seconds(), 0.01)

	now, err := e.Now()
	s.Require().NoError(err)
	s.Assert().WithinDuration(time.Now().Add(off), now, 20*time.Millisecond)
}

func (s *EngineSuite) TestStartSNTP() {
	const off = -80 * time.Millisecond
	s.srv.SetBehavior(server.Behavior{Offset: off})

	cfg := testConfig(s.peer())
	cfg.Transport = config.TransportSNTP

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), cfg))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.Assert().Equal(ntpsync.Synced, e.State())
	s.Assert().InDelta(off.Seconds(), e.Status().Target.Seconds(), 0.01)
}

func (s *EngineSuite) TestStartDegradedWithoutReply() {
	s.srv.SetBehavior(server.Behavior{Drop: true})

	cfg := testConfig(s.peer())
	cfg.StartupTimeout = 300 * time.Millisecond
	cfg.ExchangeTimeout = 100 * time.Millisecond
	cfg.MinPoll = 50 * time.Millisecond

	e := ntpsync.NewEngine(s.log)
	start := time.Now()
	s.Require().NoError(e.Start(context.Background(), cfg))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.Assert().GreaterOrEqual(time.Since(start), cfg.StartupTimeout)
	s.Assert().Equal(ntpsync.Degraded, e.State())
	s.Assert().Equal(ntpsync.NoResponse, e.ErrorCode())
	s.Assert().Positive(e.Status().Failures)

	_, err := e.GetTime()
	s.Assert().NoError(err)
}

func (s *EngineSuite) TestConvergence() {
	const off = 120 * time.Millisecond
	s.srv.SetBehavior(server.Behavior{Offset: off, Jitter: 2 * time.Millisecond})

	cfg := testConfig(s.peer())
	cfg.SyncPeriod = 40 * time.Millisecond

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), cfg))
	defer func() { s.Assert().NoError(e.Stop()) }()

	time.Sleep(300 * time.Millisecond)
	eventually(s.T(), func() error {
		st := e.Status()
		if st.State != ntpsync.Synced {
			return retry.ExpectedErrorf("state is %v", st.State)
		}
		if d := (st.Offset - off).Abs(); d > 3*time.Millisecond {
			return retry.ExpectedErrorf("offset %v is %v away from %v", st.Offset, d, off)
		}
		return nil
	})
}

func (s *EngineSuite) TestDegradedKeepsServing() {
	e := ntpsync.NewEngine(s.log)
	cfg := testConfig(s.peer())
	cfg.ExchangeTimeout = 50 * time.Millisecond
	s.Require().NoError(e.Start(context.Background(), cfg))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.srv.SetBehavior(server.Behavior{Drop: true})
	eventually(s.T(), func() error {
		if e.State() != ntpsync.Degraded {
			return retry.ExpectedErrorf("state is %v", e.State())
		}
		return nil
	})
	s.Assert().Equal(ntpsync.Timeout, e.ErrorCode())
	_, err := e.GetTime()
	s.Assert().NoError(err)

	s.srv.SetBehavior(server.Behavior{})
	eventually(s.T(), func() error {
		if e.ErrorCode() != ntpsync.None {
			return retry.ExpectedErrorf("error code is %v", e.ErrorCode())
		}
		return nil
	})
	s.Assert().Equal(ntpsync.Synced, e.State())
}

func (s *EngineSuite) TestStopDuringExchangeThenRestart() {
	cfg := testConfig(s.peer())
	cfg.ExchangeTimeout = 5 * time.Second

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), cfg))

	s.srv.SetBehavior(server.Behavior{Drop: true})
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Require().NoError(e.Stop())
	s.Assert().Less(time.Since(start), time.Second)

	s.Assert().Equal(ntpsync.Stopped, e.State())
	s.Assert().Equal(ntpsync.NotStarted, e.ErrorCode())
	_, err := e.Now()
	s.Assert().ErrorIs(err, ntpsync.ErrNotStarted)

	s.srv.SetBehavior(server.Behavior{})
	s.Require().NoError(e.Start(context.Background(), cfg))
	s.Assert().Equal(ntpsync.Synced, e.State())
	s.Assert().NoError(e.Stop())
}

func (s *EngineSuite) TestStopDuringSNTPExchange() {
	cfg := testConfig(s.peer())
	cfg.Transport = config.TransportSNTP
	cfg.ExchangeTimeout = 5 * time.Second
	running := goleak.IgnoreCurrent()

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), cfg))

	s.srv.SetBehavior(server.Behavior{Drop: true})
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Require().NoError(e.Stop())
	s.Assert().Less(time.Since(start), time.Second)
	goleak.VerifyNone(s.T(), running)
}

func (s *EngineSuite) TestLocalAddr() {
	cfg := testConfig(s.peer())
	cfg.LocalAddr = "127.0.0.1"

	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), cfg))
	s.Assert().Equal(ntpsync.Synced, e.State())
	s.Require().NoError(e.Stop())

	cfg.LocalAddr = "192.0.2.55"
	s.Assert().Error(e.Start(context.Background(), cfg))
	s.Assert().Equal(ntpsync.Stopped, e.State())
}

func (s *EngineSuite) TestStopDuringStartup() {
	s.srv.SetBehavior(server.Behavior{Drop: true})
	cfg := testConfig(s.peer())
	cfg.StartupTimeout = 10 * time.Second

	e := ntpsync.NewEngine(s.log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(context.Background(), cfg)
	}()

	s.Require().NoError(retry.Constant(time.Second, retry.WithUnits(5*time.Millisecond)).Retry(func() error {
		if e.State() != ntpsync.Starting {
			return retry.ExpectedErrorf("state is %v", e.State())
		}
		return nil
	}))
	s.Require().NoError(e.Stop())
	s.Assert().ErrorIs(<-errCh, ntpsync.ErrNotStarted)
}

func (s *EngineSuite) TestStartContextCancelled() {
	s.srv.SetBehavior(server.Behavior{Drop: true})
	cfg := testConfig(s.peer())
	cfg.StartupTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e := ntpsync.NewEngine(s.log)
	s.Assert().ErrorIs(e.Start(ctx, cfg), context.DeadlineExceeded)
	s.Assert().Equal(ntpsync.Stopped, e.State())
	s.Assert().ErrorIs(e.Stop(), ntpsync.ErrNotStarted)
}

func (s *EngineSuite) TestAlreadyStarted() {
	e := ntpsync.NewEngine(s.log)
	cfg := testConfig(s.peer())
	s.Require().NoError(e.Start(context.Background(), cfg))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.Assert().ErrorIs(e.Start(context.Background(), cfg), ntpsync.ErrAlreadyStarted)
}

func (s *EngineSuite) TestCorrectedTimeNonDecreasing() {
	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), testConfig(s.peer())))
	defer func() { s.Assert().NoError(e.Stop()) }()

	s.Require().NoError(e.SetTime(0))
	t0, err := e.GetTime()
	s.Require().NoError(err)
	s.Assert().GreaterOrEqual(t0, time.Duration(0))
	s.Assert().Less(t0, 10*time.Millisecond)

	st, err := e.StartTime()
	s.Require().NoError(err)

	prev := t0
	for range 10000 {
		t, err := e.GetTime()
		s.Require().NoError(err)
		s.Require().GreaterOrEqual(t, prev)
		prev = t
	}

	now, err := e.Now()
	s.Require().NoError(err)
	s.Assert().WithinDuration(st.Add(prev), now, 10*time.Millisecond)
}

func (s *EngineSuite) TestReadCostWithStall() {
	e := ntpsync.NewEngine(s.log)
	s.Require().NoError(e.Start(context.Background(), testConfig(s.peer())))
	defer func() { s.Assert().NoError(e.Stop()) }()

	f := timebase.StallFilter{Threshold: 500 * time.Microsecond}
	read := func() error {
		_, err := e.GetTime()
		return err
	}
	stalled := func() error {
		time.Sleep(2 * time.Millisecond)
		return read()
	}

	_, elapsed := timebase.Measure(e.MonotonicNow, stalled)
	s.Assert().False(f.Accept(elapsed))

	for range 100 {
		_, elapsed = timebase.Measure(e.MonotonicNow, read)
		f.Accept(elapsed)
	}
	s.Assert().GreaterOrEqual(f.Skipped(), 1)
	s.Assert().Positive(f.Accepted())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

type step struct {
	offset time.Duration
	delay  time.Duration
	err    error
}

// scriptedExchanger replays a list of outcomes; the last one repeats.
type scriptedExchanger struct {
	mu     sync.Mutex
	clk    timebase.LocalClock
	timer  clock.Clock
	steps  []step
	calls  []time.Time
	closed bool
}

func (x *scriptedExchanger) Exchange(ctx context.Context) (measurements.Exchange, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.steps[min(len(x.calls), len(x.steps)-1)]
	x.calls = append(x.calls, x.timer.Now())
	if st.err != nil {
		return measurements.Exchange{}, st.err
	}
	t1 := x.clk.Now()
	t2 := t1.Add(st.delay/2 + st.offset)
	return measurements.Exchange{T1: t1, T2: t2, T3: t2, T4: t1.Add(st.delay)}, nil
}

func (x *scriptedExchanger) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

func (x *scriptedExchanger) numCalls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.calls)
}

func (x *scriptedExchanger) dial(_ context.Context, _ *zap.Logger, _ config.Sync,
	clk timebase.LocalClock) (client.Exchanger, error) {
	x.clk = clk
	return x, nil
}

type codeRecorder struct {
	mu    sync.Mutex
	codes []ntpsync.ErrorCode
}

func (r *codeRecorder) record(c ntpsync.ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, c)
}

func (r *codeRecorder) get() []ntpsync.ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ntpsync.ErrorCode(nil), r.codes...)
}

func TestErrorCodes(t *testing.T) {
	ms := time.Millisecond
	x := &scriptedExchanger{
		timer: clock.New(),
		steps: []step{
			{delay: ms},
			{err: client.ErrTimeout},
			{err: client.ErrTimeout},
			{err: fmt.Errorf("%w: short packet", client.ErrMalformedReply)},
			{err: fmt.Errorf("%w: connection refused", client.ErrNoResponse)},
			{delay: 200 * ms},
			{delay: ms},
		},
	}
	var rec codeRecorder
	e := ntpsync.NewEngine(zaptest.NewLogger(t), ntpsync.WithDialer(x.dial), ntpsync.OnError(rec.record))

	cfg := testConfig("192.0.2.1")
	cfg.MinPoll = 5 * time.Millisecond
	require.NoError(t, e.Start(context.Background(), cfg))

	eventually(t, func() error {
		if n := x.numCalls(); n < len(x.steps) {
			return retry.ExpectedErrorf("%d calls", n)
		}
		if e.State() != ntpsync.Synced {
			return retry.ExpectedErrorf("state is %v", e.State())
		}
		return nil
	})
	require.NoError(t, e.Stop())
	assert.True(t, x.closed)

	assert.Equal(t, []ntpsync.ErrorCode{
		ntpsync.Timeout,
		ntpsync.MalformedReply,
		ntpsync.NoResponse,
		ntpsync.MalformedReply,
	}, rec.get())
}

func TestOffsetDivergence(t *testing.T) {
	ms := time.Millisecond
	x := &scriptedExchanger{
		timer: clock.New(),
		steps: []step{
			{offset: 0, delay: 2 * ms},
			{offset: 0, delay: 2 * ms},
			{offset: 0, delay: 2 * ms},
			{offset: 50 * ms, delay: ms},
		},
	}
	var rec codeRecorder
	e := ntpsync.NewEngine(zaptest.NewLogger(t), ntpsync.WithDialer(x.dial), ntpsync.OnError(rec.record))

	cfg := testConfig("192.0.2.1")
	cfg.MinPoll = 5 * time.Millisecond
	cfg.MaxOffset = 5 * time.Millisecond
	cfg.FilterSize = 1
	cfg.MaxRejections = 3
	require.NoError(t, e.Start(context.Background(), cfg))
	defer func() { assert.NoError(t, e.Stop()) }()

	eventually(t, func() error {
		if n := x.numCalls(); n < 8 {
			return retry.ExpectedErrorf("%d calls", n)
		}
		if e.State() != ntpsync.Synced {
			return retry.ExpectedErrorf("state is %v", e.State())
		}
		return nil
	})

	st := e.Status()
	assert.Equal(t, 50*ms, st.Target)
	assert.Equal(t, 50*ms, st.Offset)
	assert.Equal(t, []ntpsync.ErrorCode{ntpsync.OffsetDivergence}, rec.get())
}

func TestPollRampUp(t *testing.T) {
	mock := clock.NewMock()
	x := &scriptedExchanger{
		timer: mock,
		steps: []step{{delay: time.Millisecond}},
	}
	e := ntpsync.NewEngine(zaptest.NewLogger(t), ntpsync.WithDialer(x.dial), ntpsync.WithTimer(mock))

	cfg := config.NewSync("192.0.2.1", 10*time.Millisecond, 8*time.Second)
	cfg.MinPoll = time.Second
	require.NoError(t, e.Start(context.Background(), cfg))
	defer func() { assert.NoError(t, e.Stop()) }()

	const want = 6
	for i := 0; x.numCalls() < want && i < 1000; i++ {
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, x.numCalls(), want)

	x.mu.Lock()
	calls := x.calls[:want]
	x.mu.Unlock()

	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, exp := range expected {
		gap := calls[i+1].Sub(calls[i])
		assert.GreaterOrEqual(t, gap, exp, "interval %d", i)
		assert.LessOrEqual(t, gap, exp+500*time.Millisecond, "interval %d", i)
	}
}

func TestNotStarted(t *testing.T) {
	e := ntpsync.NewEngine(zaptest.NewLogger(t))

	assert.Equal(t, ntpsync.Stopped, e.State())
	assert.Equal(t, ntpsync.NotStarted, e.ErrorCode())
	_, err := e.Now()
	assert.ErrorIs(t, err, ntpsync.ErrNotStarted)
	_, err = e.GetTime()
	assert.ErrorIs(t, err, ntpsync.ErrNotStarted)
	assert.ErrorIs(t, e.SetTime(0), ntpsync.ErrNotStarted)
	_, err = e.StartTime()
	assert.ErrorIs(t, err, ntpsync.ErrNotStarted)
	assert.ErrorIs(t, e.Stop(), ntpsync.ErrNotStarted)

	m0 := e.MonotonicNow()
	assert.GreaterOrEqual(t, e.MonotonicNow(), m0)
}

func TestStartInvalidConfig(t *testing.T) {
	e := ntpsync.NewEngine(zaptest.NewLogger(t))
	err := e.Start(context.Background(), config.NewSync("", 0, time.Second))
	assert.Error(t, err)
	assert.Equal(t, ntpsync.Stopped, e.State())
}

func TestStartDialFailure(t *testing.T) {
	dialErr := errors.New("no route to host")
	e := ntpsync.NewEngine(zaptest.NewLogger(t), ntpsync.WithDialer(
		func(context.Context, *zap.Logger, config.Sync, timebase.LocalClock) (client.Exchanger, error) {
			return nil, dialErr
		}))
	err := e.Start(context.Background(), testConfig("192.0.2.1"))
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, ntpsync.Stopped, e.State())
}
