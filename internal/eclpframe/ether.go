// Package eclpframe is the ECLP wire-format layer and Frame Dispatch
// Adapter: it turns raw Ethernet frames into calls against an
// internal/eclp.Link and renders the LSM's returned action back into
// frames to transmit. It owns no sockets; internal/rawlink supplies those.
package eclpframe

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket/layers"
)

// Ethernet types carrying ECLP traffic, per spec.md §6.
const (
	EtherTypeECLP       layers.EthernetType = 0xEAC0
	EtherTypeDiscovery  layers.EthernetType = 0xEAC1
	EtherTypeLocalDeliv layers.EthernetType = 0xEAC2
)

func init() {
	layers.EthernetTypeMetadata[EtherTypeECLP] = layers.EnumMetadata{
		DecodeWith: decodeECLPFunc,
		Name:       "ECLP",
		LayerType:  ECLPLayerType,
	}
	// Local-delivery frames share the ECLP control-word framing. Discovery
	// frames decode through the same function, but Dispatcher.Inbound
	// publishes their raw Ethernet payload without reading a control word.
	layers.EthernetTypeMetadata[EtherTypeDiscovery] = layers.EnumMetadata{
		DecodeWith: decodeECLPFunc,
		Name:       "ECLPDiscovery",
		LayerType:  ECLPLayerType,
	}
	layers.EthernetTypeMetadata[EtherTypeLocalDeliv] = layers.EnumMetadata{
		DecodeWith: decodeECLPFunc,
		Name:       "ECLPLocalDelivery",
		LayerType:  ECLPLayerType,
	}
}

// DestControl is the control information carried in the destination MAC's
// top byte and the ALO command at offsets 2..3 (spec.md §6).
type DestControl struct {
	Forward        bool
	HostOnBackward bool
	ALOCommand     uint16
}

// ParseDestMAC decodes the control bits packed into a 6-byte destination
// MAC address. mac must be exactly 6 bytes.
func ParseDestMAC(mac net.HardwareAddr) DestControl {
	return DestControl{
		Forward:        mac[0]&0x80 != 0,
		HostOnBackward: mac[0]&0x40 != 0,
		ALOCommand:     binary.BigEndian.Uint16(mac[2:4]),
	}
}

// EncodeDestMAC packs control bits into a 6-byte destination MAC address,
// the inverse of ParseDestMAC.
func EncodeDestMAC(c DestControl) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	if c.Forward {
		mac[0] |= 0x80
	}
	if c.HostOnBackward {
		mac[0] |= 0x40
	}
	binary.BigEndian.PutUint16(mac[2:4], c.ALOCommand)
	return mac
}

// SrcControl is the next-hop routing information carried in the source MAC.
type SrcControl struct {
	NextHopID uint32
	Direction bool
}

// ParseSrcMAC decodes the next-hop ID and direction bit packed into a
// 6-byte source MAC address.
func ParseSrcMAC(mac net.HardwareAddr) SrcControl {
	return SrcControl{
		Direction: mac[0]&0x80 != 0,
		NextHopID: binary.BigEndian.Uint32(mac[2:6]),
	}
}

// EncodeSrcMAC packs a next-hop ID and direction bit into a 6-byte source
// MAC address, the inverse of ParseSrcMAC.
func EncodeSrcMAC(c SrcControl) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	if c.Direction {
		mac[0] |= 0x80
	}
	binary.BigEndian.PutUint32(mac[2:6], c.NextHopID)
	return mac
}
