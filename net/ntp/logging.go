package ntp

import (
	"go.uber.org/zap/zapcore"
)

type Time64Marshaler struct {
	T Time64
}

func (m Time64Marshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("Seconds", m.T.Seconds)
	enc.AddUint32("Fraction", m.T.Fraction)
	return nil
}

type PacketMarshaler struct {
	Pkt *Packet
}

func (m PacketMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint8("LI", m.Pkt.LeapIndicator())
	enc.AddUint8("VN", m.Pkt.Version())
	enc.AddUint8("Mode", m.Pkt.Mode())
	enc.AddUint8("Stratum", m.Pkt.Stratum)
	enc.AddInt8("Poll", m.Pkt.Poll)
	enc.AddInt8("Precision", m.Pkt.Precision)
	enc.AddDuration("RootDelay", m.Pkt.RootDelay.Duration())
	enc.AddDuration("RootDispersion", m.Pkt.RootDispersion.Duration())
	if kc := m.Pkt.KissCode(); kc != "" {
		enc.AddString("KissCode", kc)
	} else {
		enc.AddUint32("ReferenceID", m.Pkt.ReferenceID)
	}
	_ = enc.AddObject("ReferenceTime", Time64Marshaler{T: m.Pkt.ReferenceTime})
	_ = enc.AddObject("OriginTime", Time64Marshaler{T: m.Pkt.OriginTime})
	_ = enc.AddObject("ReceiveTime", Time64Marshaler{T: m.Pkt.ReceiveTime})
	_ = enc.AddObject("TransmitTime", Time64Marshaler{T: m.Pkt.TransmitTime})
	return nil
}
