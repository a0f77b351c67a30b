package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/core/measurements"
	"example.com/ntp-sync/net/ntp"
	"example.com/ntp-sync/net/udp"
)

const (
	maxNumRetries = 1

	requestPoll      = 6
	requestPrecision = -18
	maxRxLatency     = 100 * time.Millisecond
)

var aLongTimeAgo = time.Unix(1, 0)

// IPClient exchanges NTP packets with one peer over a connected UDP socket.
//
// T1 and T4 are read from Clock. If SysClock is set and the kernel supports
// receive timestamps, T4 is moved back by the time that passed between the
// kernel receiving the reply and the client reading it; SysClock must then
// be CLOCK_REALTIME based.
type IPClient struct {
	Log      *zap.Logger
	Clock    timebase.LocalClock
	SysClock timebase.LocalClock
	DSCP     uint8
	// LocalAddr, if valid, is the address the socket is bound to.
	LocalAddr netip.Addr
	// Histo, if set, records round trip delays in microseconds. It must not
	// be read while exchanges are in progress.
	Histo *hdrhistogram.Histogram

	conn         *net.UDPConn
	remote       netip.AddrPort
	rxTimestamps bool
	buf, oob     []byte
}

var _ Exchanger = (*IPClient)(nil)

// Dial resolves peer and binds the client socket. Errors returned from Dial
// are resource failures; the client is unusable afterwards.
func (c *IPClient) Dial(ctx context.Context, peer string) error {
	host, port, err := SplitPeerAddr(peer)
	if err != nil {
		return err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no address for %s", host)
	}
	c.remote = netip.AddrPortFrom(addrs[0].Unmap(), uint16(port))

	var laddr *net.UDPAddr
	if c.LocalAddr.IsValid() {
		laddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(c.LocalAddr.Unmap(), 0))
	}
	conn, err := net.DialUDP("udp", laddr, net.UDPAddrFromAddrPort(c.remote))
	if err != nil {
		return err
	}
	c.conn = conn

	if c.SysClock != nil {
		err = udp.EnableRxTimestamps(c.conn)
		if err != nil {
			c.Log.Info("failed to enable rx timestamps", zap.Error(err))
		} else {
			c.rxTimestamps = true
		}
	}
	if c.DSCP != 0 {
		err = udp.SetDSCP(c.conn, c.DSCP)
		if err != nil {
			c.Log.Info("failed to set DSCP", zap.Error(err))
		}
	}

	c.buf = make([]byte, 512)
	c.oob = make([]byte, max(udp.TimestampLen(), 1))
	return nil
}

func (c *IPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *IPClient) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return nil
}

func (c *IPClient) Exchange(ctx context.Context) (measurements.Exchange, error) {
	if c.conn == nil {
		return measurements.Exchange{}, errNotConnected
	}
	mtrcs := exchangeMetrics.Load()

	deadline, _ := ctx.Deadline()
	err := c.conn.SetReadDeadline(deadline)
	if err != nil {
		return measurements.Exchange{}, err
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			<-done
		}
	}()

	t1 := c.Clock.Now()

	req := ntp.Packet{
		Stratum:   ntp.StratumUnspecified,
		Poll:      requestPoll,
		Precision: requestPrecision,
	}
	req.SetLeapIndicator(ntp.LeapIndicatorUnknown)
	req.SetVersion(ntp.VersionMax)
	req.SetMode(ntp.ModeClient)
	req.TransmitTime = ntp.Time64FromTime(t1)

	buf := c.buf[:ntp.PacketLen]
	ntp.EncodePacket(&buf, &req)

	n, err := c.conn.Write(buf)
	if err != nil {
		return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	if n != len(buf) {
		return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrNoResponse, errWrite)
	}
	mtrcs.reqsSent.Inc()

	numRetries := 0
	for {
		buf = c.buf[:cap(c.buf)]
		oob := c.oob[:cap(c.oob)]
		n, oobn, flags, _, err := c.conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if e := c.readErr(ctx, err); e != nil {
				return measurements.Exchange{}, e
			}
			if numRetries != maxNumRetries {
				c.Log.Info("failed to read packet", zap.Error(err))
				numRetries++
				continue
			}
			return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		t4 := c.Clock.Now()
		if flags != 0 {
			c.Log.Info("failed to read packet", zap.Int("flags", flags), zap.Error(errUnexpectedPacketFlags))
			continue
		}
		if c.rxTimestamps {
			kts, err := udp.TimestampFromOOBData(oob[:oobn])
			if err != nil {
				c.Log.Debug("failed to read packet rx timestamp", zap.Error(err))
			} else if lat := c.SysClock.Now().Sub(kts); lat > 0 && lat < maxRxLatency {
				t4 = t4.Add(-lat)
			}
		}
		buf = buf[:n]
		mtrcs.pktsReceived.Inc()

		var resp ntp.Packet
		err = ntp.DecodePacket(&resp, buf)
		if err != nil {
			return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}

		if resp.OriginTime != req.TransmitTime {
			c.Log.Debug("ignoring reply to another request",
				zap.Object("data", ntp.PacketMarshaler{Pkt: &resp}))
			continue
		}

		err = ntp.ValidateResponseMetadata(&resp)
		if err != nil {
			if errors.Is(err, ntp.ErrKissOfDeath) {
				return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
			}
			return measurements.Exchange{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}

		c.Log.Debug("received response",
			zap.Time("at", t4),
			zap.Stringer("from", c.remote),
			zap.Object("data", ntp.PacketMarshaler{Pkt: &resp}),
		)

		x := measurements.Exchange{
			T1: t1,
			T2: ntp.TimeFromTime64(resp.ReceiveTime, t1),
			T3: ntp.TimeFromTime64(resp.TransmitTime, t1),
			T4: t4,
		}

		mtrcs.respsAccepted.Inc()
		rtd := x.Delay()
		c.Log.Debug("evaluated response",
			zap.Stringer("from", c.remote),
			zap.Duration("clock offset", x.Offset()),
			zap.Duration("round trip delay", rtd),
		)
		if c.Histo != nil && rtd >= 0 {
			_ = c.Histo.RecordValue(rtd.Microseconds())
		}

		return x, nil
	}
}
