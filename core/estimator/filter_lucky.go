package estimator

// Lucky packet filter combined with median offset filter based on flashptpd,
// https://github.com/meinberg-sync/flashptpd
//
// The filter keeps samples in a FIFO window and picks a fixed number of
// samples with the lowest round trip delay (lucky packets), assuming those
// experienced the least queuing on the path. The median offset of the picked
// samples is the filter output. With a pick of one the filter is the classic
// NTP minimum delay heuristic; with a pick equal to the window size it is a
// plain median filter.

import (
	"cmp"
	"slices"
	"time"

	"example.com/ntp-sync/base/timemath"
	"example.com/ntp-sync/core/measurements"
)

type LuckyPacketFilter struct {
	pick      int
	state     []measurements.Sample
	luckyPkts []measurements.Sample
	offsets   []time.Duration
}

var _ measurements.Filter = (*LuckyPacketFilter)(nil)

func NewLuckyPacketFilter(cap, pick int) *LuckyPacketFilter {
	if cap <= 0 {
		panic("cap must be greater than 0")
	}
	if pick <= 0 {
		panic("pick must be greater than 0")
	}
	return &LuckyPacketFilter{
		pick:      min(pick, cap),
		state:     make([]measurements.Sample, 0, cap),
		luckyPkts: make([]measurements.Sample, 0, cap),
		offsets:   make([]time.Duration, 0, cap),
	}
}

// Do adds s to the window and returns the filtered sample. Its offset is
// the median offset of the lucky packets; timestamp and delay are those of
// the luckiest one.
func (f *LuckyPacketFilter) Do(s measurements.Sample) measurements.Sample {
	if cap(f.state) == 0 {
		return s
	}
	if len(f.state) == cap(f.state) {
		copy(f.state, f.state[1:])
		f.state = f.state[:len(f.state)-1]
	}
	f.state = append(f.state, s)
	f.luckyPkts = append(f.luckyPkts[:0], f.state...)
	return f.pickLucky()
}

// Peek returns the sample Do(s) would return without adding s to the
// window.
func (f *LuckyPacketFilter) Peek(s measurements.Sample) measurements.Sample {
	if cap(f.state) == 0 {
		return s
	}
	w := f.state
	if len(w) == cap(w) {
		w = w[1:]
	}
	f.luckyPkts = append(append(f.luckyPkts[:0], w...), s)
	return f.pickLucky()
}

func (f *LuckyPacketFilter) pickLucky() measurements.Sample {
	slices.SortStableFunc(f.luckyPkts, func(a, b measurements.Sample) int {
		return cmp.Compare(a.Delay, b.Delay)
	})
	f.luckyPkts = f.luckyPkts[:min(f.pick, len(f.luckyPkts))]
	best := f.luckyPkts[0]

	f.offsets = f.offsets[:0]
	for _, p := range f.luckyPkts {
		f.offsets = append(f.offsets, p.Offset)
	}
	best.Offset = timemath.Median(f.offsets)
	return best
}

func (f *LuckyPacketFilter) Len() int {
	return len(f.state)
}

func (f *LuckyPacketFilter) Reset() {
	f.state = f.state[:0]
}
