package server

import (
	"encoding/binary"
	"time"

	"example.com/ntp-sync/net/ntp"
)

const (
	serverRefID     = 0x4c4f434c // "LOCL"
	serverPrecision = -20
)

// Behavior shapes the replies of a responder. The zero value answers every
// request promptly with the local time.
type Behavior struct {
	// Offset is added to every timestamp the responder hands out.
	Offset time.Duration
	// Delay and Jitter postpone the reply after it has been stamped,
	// emulating outbound path latency. Jitter is drawn uniformly from
	// [0, Jitter).
	Delay  time.Duration
	Jitter time.Duration
	// Drop makes the responder swallow requests without replying.
	Drop bool
	// Truncate makes the responder send replies shorter than an NTP header.
	Truncate bool
	// KissCode, if set, makes the responder refuse service with a
	// kiss-o'-death reply carrying this code.
	KissCode string
}

func kissRefID(code string) uint32 {
	var b [4]byte
	copy(b[:], code)
	return binary.BigEndian.Uint32(b[:])
}

func handleRequest(b *Behavior, req *ntp.Packet, rxt, txt time.Time, resp *ntp.Packet) {
	resp.SetLeapIndicator(ntp.LeapIndicatorNoWarning)
	if req.Version() == 1 {
		resp.SetVersion(ntp.VersionMax)
	} else {
		resp.SetVersion(req.Version())
	}
	resp.SetMode(ntp.ModeServer)
	resp.Stratum = ntp.StratumPrimary
	resp.Poll = req.Poll
	resp.Precision = serverPrecision
	resp.RootDelay = ntp.Time32{}
	resp.RootDispersion = ntp.Time32FromDuration(time.Millisecond)
	resp.ReferenceID = serverRefID
	if b.KissCode != "" {
		resp.SetLeapIndicator(ntp.LeapIndicatorUnknown)
		resp.Stratum = ntp.StratumUnspecified
		resp.ReferenceID = kissRefID(b.KissCode)
	}

	rxt = rxt.Add(b.Offset)
	txt = txt.Add(b.Offset)
	resp.ReferenceTime = ntp.Time64FromTime(rxt.Truncate(time.Second))
	resp.OriginTime = req.TransmitTime
	resp.ReceiveTime = ntp.Time64FromTime(rxt)
	resp.TransmitTime = ntp.Time64FromTime(txt)
}
