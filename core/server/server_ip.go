package server

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"golang.org/x/time/rate"

	"example.com/ntp-sync/base/metrics"
	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/net/gopacketntp"
	"example.com/ntp-sync/net/ntp"
	"example.com/ntp-sync/net/udp"
)

const defaultNumGoroutine = 4

type ipServerMetrics struct {
	pktsReceived prometheus.Counter
	reqsAccepted prometheus.Counter
	reqsServed   prometheus.Counter
	reqsDropped  prometheus.Counter
}

var ipMetrics atomic.Pointer[ipServerMetrics]

func init() {
	ipMetrics.Store(&ipServerMetrics{
		pktsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerPktsReceivedN,
			Help: metrics.ServerPktsReceivedH,
		}),
		reqsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsAcceptedN,
			Help: metrics.ServerReqsAcceptedH,
		}),
		reqsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsServedN,
			Help: metrics.ServerReqsServedH,
		}),
		reqsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsDroppedN,
			Help: metrics.ServerReqsDroppedH,
		}),
	})
}

type Config struct {
	// LocalAddr is the host:port to listen on; port 0 picks a free port.
	LocalAddr string
	// NumGoroutine readers share the port through SO_REUSEPORT.
	NumGoroutine int
	// RateLimit bounds the number of requests served per second across all
	// readers; zero means unlimited.
	RateLimit float64
	DSCP      uint8
	// RxTimestamps stamps requests with kernel receive timestamps. Only
	// valid if the responder clock is CLOCK_REALTIME based.
	RxTimestamps bool
	Behavior     Behavior
}

// IPServer is an NTP responder answering client requests from the local
// clock, shaped by a configurable Behavior.
type IPServer struct {
	log      *zap.Logger
	clk      timebase.LocalClock
	limiter  *rate.Limiter
	rxts     bool
	behavior atomic.Pointer[Behavior]
	conns    []*net.UDPConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func listen(addr string, n int) ([]*net.UDPConn, error) {
	var conns []*net.UDPConn
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for range n {
		pc, err := reuseport.ListenPacket("udp", addr)
		if err != nil {
			closeAll()
			return nil, err
		}
		conn := pc.(*net.UDPConn)
		conns = append(conns, conn)
		if len(conns) == 1 {
			// The remaining readers bind to the port picked for the first.
			la := conn.LocalAddr().(*net.UDPAddr)
			addr = net.JoinHostPort(la.IP.String(), strconv.Itoa(la.Port))
		}
	}
	return conns, nil
}

// StartIPServer binds the responder and starts its readers. The responder
// runs until ctx is done or Close is called.
func StartIPServer(ctx context.Context, log *zap.Logger, clk timebase.LocalClock,
	cfg Config) (*IPServer, error) {
	n := cfg.NumGoroutine
	if n <= 0 {
		n = defaultNumGoroutine
	}
	conns, err := listen(cfg.LocalAddr, n)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &IPServer{
		log:     log,
		clk:     clk,
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RateLimit))),
		rxts:    cfg.RxTimestamps,
		conns:   conns,
		cancel:  cancel,
	}
	s.SetBehavior(cfg.Behavior)

	log.Info("server listening via IP",
		zap.Stringer("local host", s.LocalAddr()),
		zap.Int("readers", n),
	)

	mtrcs := ipMetrics.Load()
	for _, conn := range conns {
		if cfg.DSCP != 0 {
			err = udp.SetDSCP(conn, cfg.DSCP)
			if err != nil {
				log.Info("failed to set DSCP", zap.Error(err))
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, mtrcs, conn)
		}()
	}
	context.AfterFunc(ctx, func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return s, nil
}

func (s *IPServer) LocalAddr() *net.UDPAddr {
	return s.conns[0].LocalAddr().(*net.UDPAddr)
}

func (s *IPServer) SetBehavior(b Behavior) {
	s.behavior.Store(&b)
}

// Close stops all readers and waits for them to return.
func (s *IPServer) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *IPServer) run(ctx context.Context, mtrcs *ipServerMetrics, conn *net.UDPConn) {
	rxts := s.rxts
	if rxts {
		err := udp.EnableRxTimestamps(conn)
		if err != nil {
			s.log.Info("failed to enable rx timestamps", zap.Error(err))
			rxts = false
		}
	}

	var req gopacketntp.Packet
	parser := gopacket.NewDecodingLayerParser(gopacketntp.LayerTypeNTP, &req)
	parser.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 1)
	out := gopacket.NewSerializeBuffer()

	buf := make([]byte, 2048)
	oob := make([]byte, max(udp.TimestampLen(), 1))
	for {
		buf = buf[:cap(buf)]
		oob = oob[:cap(oob)]
		n, oobn, flags, srcAddr, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.log.Error("failed to read packet", zap.Error(err))
			continue
		}
		if flags != 0 {
			s.log.Error("failed to read packet", zap.Int("flags", flags))
			continue
		}
		rxt := s.clk.Now()
		if rxts {
			kts, err := udp.TimestampFromOOBData(oob[:oobn])
			if err == nil {
				rxt = kts
			}
		}
		mtrcs.pktsReceived.Inc()

		err = parser.DecodeLayers(buf[:n], &decoded)
		if err != nil || len(decoded) == 0 {
			s.log.Info("failed to decode packet payload", zap.Error(err))
			continue
		}
		err = ntp.ValidateRequest(&req.Packet)
		if err != nil {
			s.log.Info("failed to validate packet payload", zap.Error(err))
			continue
		}
		mtrcs.reqsAccepted.Inc()

		b := s.behavior.Load()
		if b.Drop || !s.limiter.Allow() {
			mtrcs.reqsDropped.Inc()
			continue
		}

		s.log.Debug("received request",
			zap.Time("at", rxt),
			zap.Stringer("from", srcAddr),
			zap.Object("data", ntp.PacketMarshaler{Pkt: &req.Packet}),
		)

		var resp gopacketntp.Packet
		handleRequest(b, &req.Packet, rxt, s.clk.Now(), &resp.Packet)
		err = gopacket.SerializeLayers(out, gopacket.SerializeOptions{}, &resp)
		if err != nil {
			s.log.Error("failed to encode packet", zap.Error(err))
			continue
		}
		reply := out.Bytes()
		if b.Truncate {
			reply = reply[:ntp.PacketLen/2]
		}

		if d := b.Delay + jitter(b.Jitter); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		n, err = conn.WriteToUDPAddrPort(reply, srcAddr)
		if err != nil || n != len(reply) {
			s.log.Error("failed to write packet", zap.Error(err))
			continue
		}
		mtrcs.reqsServed.Inc()
	}
}

func jitter(j time.Duration) time.Duration {
	if j <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(j)))
}
