package client

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/ntp-sync/base/metrics"
	"example.com/ntp-sync/core/measurements"
	"example.com/ntp-sync/net/ntp"
)

// Exchanger performs timestamp exchanges with the single peer it was
// created for. Exchange is bounded by the deadline of ctx; it does not
// retry. Implementations are not safe for concurrent use.
type Exchanger interface {
	Exchange(ctx context.Context) (measurements.Exchange, error)
	Close() error
}

type clientMetrics struct {
	reqsSent      prometheus.Counter
	pktsReceived  prometheus.Counter
	respsAccepted prometheus.Counter
}

var exchangeMetrics atomic.Pointer[clientMetrics]

func init() {
	exchangeMetrics.Store(&clientMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientReqsSentN,
			Help: metrics.ClientReqsSentH,
		}),
		pktsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientPktsReceivedN,
			Help: metrics.ClientPktsReceivedH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientRespsAcceptedN,
			Help: metrics.ClientRespsAcceptedH,
		}),
	})
}

// SplitPeerAddr splits a peer address into host and port. The NTP port is
// used if addr does not name one.
func SplitPeerAddr(addr string) (host string, port int, err error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return addr, ntp.ServerPortIP, nil
		}
		return "", 0, err
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
