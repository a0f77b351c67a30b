package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/beevik/ntp"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/core/measurements"
)

const defaultQueryTimeout = 5 * time.Second

// QueryClient measures the peer with github.com/beevik/ntp. The library
// reports only offset and round trip delay, so the exchange is rebuilt in
// the frame of Clock with zero server processing time.
//
// Each query opens its own socket. Cancelling ctx closes it, so Exchange
// returns without leaving anything behind.
type QueryClient struct {
	Log   *zap.Logger
	Clock timebase.LocalClock
	Host  string
	Port  int
	// LocalAddr, if set, is the IP address queries are sent from.
	LocalAddr string
}

var _ Exchanger = (*QueryClient)(nil)

// dialer returns a dialer for ntp.QueryOptions that closes the connection
// once ctx is done. The returned wait function deregisters the callback
// and waits for it if it already started.
func dialer(ctx context.Context) (
	dial func(localAddr, remoteAddr string) (net.Conn, error), wait func()) {
	stop := func() bool { return true }
	done := make(chan struct{})
	dial = func(localAddr, remoteAddr string) (net.Conn, error) {
		d := net.Dialer{}
		if localAddr != "" {
			laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(localAddr, "0"))
			if err != nil {
				return nil, err
			}
			d.LocalAddr = laddr
		}
		conn, err := d.DialContext(ctx, "udp", remoteAddr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() {
			defer close(done)
			_ = conn.Close()
		})
		return conn, nil
	}
	wait = func() {
		if !stop() {
			<-done
		}
	}
	return dial, wait
}

func (c *QueryClient) Exchange(ctx context.Context) (measurements.Exchange, error) {
	timeout := defaultQueryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return measurements.Exchange{}, ErrTimeout
		}
	}

	mtrcs := exchangeMetrics.Load()
	mtrcs.reqsSent.Inc()

	dial, wait := dialer(ctx)
	resp, err := ntp.QueryWithOptions(c.Host, ntp.QueryOptions{
		Timeout:      timeout,
		Port:         c.Port,
		LocalAddress: c.LocalAddr,
		Dialer:       dial,
	})
	wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return measurements.Exchange{}, ErrTimeout
		}
		return measurements.Exchange{}, ctxErr
	}
	t4 := c.Clock.Now()
	sysNow := time.Now()

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return measurements.Exchange{}, ErrTimeout
		}
		return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	mtrcs.pktsReceived.Inc()

	if resp.Stratum == 0 && resp.KissCode != "" {
		return measurements.Exchange{}, fmt.Errorf("%w: kiss code %q", ErrNoResponse, resp.KissCode)
	}
	if err := resp.Validate(); err != nil {
		return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}

	// The library measures against the system clock; shift its offset into
	// the frame of Clock.
	off := resp.ClockOffset - t4.Sub(sysNow)
	rtd := resp.RTT

	x := measurements.Exchange{T4: t4}
	x.T1 = t4.Add(-rtd)
	x.T2 = x.T1.Add(rtd/2 + off)
	x.T3 = x.T2
	mtrcs.respsAccepted.Inc()

	c.Log.Debug("evaluated response",
		zap.String("from", c.Host),
		zap.Duration("clock offset", off),
		zap.Duration("round trip delay", rtd),
		zap.Uint8("stratum", resp.Stratum),
	)
	return x, nil
}

// Close is a no-op; every query releases its socket before Exchange
// returns.
func (c *QueryClient) Close() error {
	return nil
}
