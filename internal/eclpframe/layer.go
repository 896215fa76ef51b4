package eclpframe

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ECLPLayerType identifies the decoded ECLP control word within a gopacket
// pipeline, registered the way internal/pim registers PIMMessageType.
var ECLPLayerType = gopacket.RegisterLayerType(2000, gopacket.LayerTypeMetadata{Name: "ECLP", Decoder: gopacket.DecodeFunc(decodeECLP)})

var decodeECLPFunc = gopacket.DecodeFunc(decodeECLP)

// controlWordLen is the wire size of the ECLP control word: a 16-bit
// msg_raw followed by a 32-bit seqno (spec.md §6).
const controlWordLen = 6

// ECLPLayer is the decoded ECLP control word that rides directly after the
// Ethernet header on EtherTypeECLP/EtherTypeDiscovery/EtherTypeLocalDeliv
// frames. Payload holds any trailing AIT bytes.
type ECLPLayer struct {
	layers.BaseLayer
	MsgRaw uint16
	Seqno  uint32
}

func (e ECLPLayer) LayerType() gopacket.LayerType { return ECLPLayerType }

// Opcode returns the low byte of MsgRaw (eclp.MessageMask).
func (e ECLPLayer) Opcode() uint8 { return uint8(e.MsgRaw & 0x00ff) }

// decodeECLP parses the control word and hands any remaining bytes to
// gopacket as this layer's payload; an ECLP frame never carries a further
// registered layer type, so decoding always bottoms out here.
func decodeECLP(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < controlWordLen {
		return errors.New("eclpframe: control word truncated")
	}
	e := &ECLPLayer{
		BaseLayer: layers.BaseLayer{
			Contents: data[:controlWordLen],
			Payload:  data[controlWordLen:],
		},
		MsgRaw: binary.BigEndian.Uint16(data[0:2]),
		Seqno:  binary.BigEndian.Uint32(data[2:6]),
	}
	p.AddLayer(e)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// SerializeTo implements gopacket.SerializableLayer. Unlike internal/pim's
// PIMMessage/HelloMessage (called via SerializeTo in server.go without the
// method ever being defined), this one actually serializes: msg_raw and
// seqno in network byte order, prepended ahead of whatever payload
// SerializeLayers has already written, since serialization builds a frame
// back-to-front.
func (e *ECLPLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(controlWordLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(bytes[0:2], e.MsgRaw)
	binary.BigEndian.PutUint32(bytes[2:6], e.Seqno)
	return nil
}
