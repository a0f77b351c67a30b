package gopacketntp

import (
	"errors"

	"github.com/google/gopacket"

	"example.com/ntp-sync/net/ntp"
)

var LayerTypeNTP = gopacket.RegisterLayerType(
	1123,
	gopacket.LayerTypeMetadata{
		Name:    "NTP",
		Decoder: gopacket.DecodeFunc(decodeNTP),
	},
)

// BaseLayer implements the LayerContents and LayerPayload functions of
// gopacket.Layer without importing gopacket/layers.
type BaseLayer struct {
	Contents []byte
	Payload  []byte
}

func (b *BaseLayer) LayerContents() []byte { return b.Contents }

func (b *BaseLayer) LayerPayload() []byte { return b.Payload }

// Packet is the fixed NTP header as a gopacket layer. Bytes following the
// header (extension fields, MACs) are exposed as payload and not
// interpreted.
type Packet struct {
	BaseLayer
	ntp.Packet
}

var (
	errUnexpectedPacketSize = errors.New("unexpected packet size")
)

func (p *Packet) LayerType() gopacket.LayerType {
	return LayerTypeNTP
}

func decodeNTP(data []byte, pb gopacket.PacketBuilder) error {
	p := &Packet{}
	err := p.DecodeFromBytes(data, pb)
	if err != nil {
		return err
	}
	pb.AddLayer(p)
	pb.SetApplicationLayer(p)
	return nil
}

func (p *Packet) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	data, err := b.PrependBytes(ntp.PacketLen)
	if err != nil {
		return err
	}
	ntp.EncodePacket(&data, &p.Packet)
	return nil
}

func (p *Packet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ntp.PacketLen {
		df.SetTruncated()
		return errUnexpectedPacketSize
	}
	err := ntp.DecodePacket(&p.Packet, data)
	if err != nil {
		return err
	}
	p.BaseLayer = BaseLayer{
		Contents: data[:ntp.PacketLen],
		Payload:  data[ntp.PacketLen:],
	}
	return nil
}

func (p *Packet) CanDecode() gopacket.LayerClass {
	return LayerTypeNTP
}

func (p *Packet) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func (p *Packet) Payload() []byte {
	return p.BaseLayer.Payload
}
