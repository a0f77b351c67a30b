package measurements

import (
	"time"

	"example.com/ntp-sync/base/timemath"
	"example.com/ntp-sync/net/ntp"
)

// Exchange holds the four timestamps of one request/response round trip:
// T1 local send, T2 peer receive, T3 peer send, T4 local receive.
type Exchange struct {
	T1, T2, T3, T4 time.Time
}

// ExchangeFromMillis builds an exchange from millisecond timestamps counted
// from the Unix epoch.
func ExchangeFromMillis(t1, t2, t3, t4 float64) Exchange {
	at := func(ms float64) time.Time {
		return time.Unix(0, 0).Add(timemath.FromMillis(ms))
	}
	return Exchange{T1: at(t1), T2: at(t2), T3: at(t3), T4: at(t4)}
}

// Ordered reports whether both the local and the peer timestamps are in
// causal order.
func (x Exchange) Ordered() bool {
	return !x.T3.Before(x.T2) && !x.T4.Before(x.T1)
}

func (x Exchange) Offset() time.Duration {
	return ntp.ClockOffset(x.T1, x.T2, x.T3, x.T4)
}

func (x Exchange) Delay() time.Duration {
	return ntp.RoundTripDelay(x.T1, x.T2, x.T3, x.T4)
}

func (x Exchange) Sample() Sample {
	return Sample{
		Timestamp: x.T4,
		Offset:    x.Offset(),
		Delay:     x.Delay(),
	}
}

// Sample is the offset and round trip delay derived from an exchange.
// Timestamp is the local receive time of the exchange.
type Sample struct {
	Timestamp time.Time
	Offset    time.Duration
	Delay     time.Duration
}

// Filter folds samples into a filtered sample.
type Filter interface {
	Do(s Sample) Sample
	Reset()
}
