package eclpframe

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/earthcomputing/eclpd/internal/eclp"
)

// ForwardingTable is the Frame Dispatch Adapter's view of the forwarding
// plane: just enough to route a frame whose destination MAC's forward bit
// is set. internal/forwarding.Table satisfies this.
type ForwardingTable interface {
	// Route resolves an ALO command to the interface to forward on.
	// ok is false when the command has no entry (deliver to host instead).
	Route(aloCommand uint16) (iface string, ok bool)
}

// Events is the slice of the event surface the dispatcher publishes to.
// internal/eclpevents.Bus satisfies this.
type Events interface {
	PublishLinkStatus(portID string, state eclp.State, err eclp.ErrorFlag)
	PublishAITGot(portID string, payload []byte)
	PublishAITForward(portID string, iface string, frame []byte)
	PublishDiscovery(portID string, payload []byte)
}

// Outbound is a fully-formed frame ready for internal/rawlink to write to a
// socket.
type Outbound struct {
	Iface string // empty means "this link's own interface"
	Frame []byte
}

// Endpoint pins the Ethernet addressing a Dispatcher uses to build outbound
// ECLP frames: this link's own MAC, its peer's, and which of the three
// ECLP ethertypes it speaks.
type Endpoint struct {
	OwnMAC, PeerMAC net.HardwareAddr
	EtherType       layers.EthernetType
}

// Dispatcher is the Frame Dispatch Adapter for one link: it decodes inbound
// frames into internal/eclp.Link calls and renders the returned Action into
// outbound frames, per spec.md §4.3. It owns no socket; internal/rawlink
// supplies the frame bytes in and takes the Outbound frames out.
type Dispatcher struct {
	ModuleID, PortID string

	Link *eclp.Link
	Ep   Endpoint

	Forwarding ForwardingTable
	Events     Events
}

// peerAddr derives the 48-bit link identity used for HELLO/EVENT/AIT/ACK
// symmetry breaking from the frame's real source MAC. This is distinct from
// ParseSrcMAC's next-hop/direction encoding, which applies only to frames
// routed through the forwarding plane (spec.md §6): a link's own identity is
// its interface address, not a forwarding-header field.
func peerAddr(mac net.HardwareAddr) eclp.Addr {
	return eclp.Addr{
		Hi: binary.BigEndian.Uint16(mac[0:2]),
		Lo: binary.BigEndian.Uint32(mac[2:6]),
	}
}

// Inbound decodes one raw Ethernet frame and, per spec.md §4.3:
//   - if the destination MAC's forward bit is set, consults Forwarding and
//     either returns it as an Outbound to relay, or (no route) falls through
//     to local delivery;
//   - otherwise feeds the opcode and seqno straight to this link's LSM,
//     stashing any AIT payload before returning so a subsequent NextSend
//     call always observes it, and publishing the events the resulting
//     Action implies.
func (d *Dispatcher) Inbound(frame []byte) ([]Outbound, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("eclpframe: not an Ethernet frame")
	}
	eth := ethLayer.(*layers.Ethernet)

	dst := ParseDestMAC(eth.DstMAC)
	if dst.Forward {
		if iface, ok := d.Forwarding.Route(dst.ALOCommand); ok {
			return []Outbound{{Iface: iface, Frame: frame}}, nil
		}
		if !dst.HostOnBackward {
			return nil, nil
		}
		// HostOnBackward with no route: fall through to local delivery.
	}

	if eth.EthernetType == EtherTypeDiscovery {
		d.Events.PublishDiscovery(d.PortID, eth.Payload)
		return nil, nil
	}
	eclpLayer := pkt.Layer(ECLPLayerType)
	if eclpLayer == nil {
		return nil, fmt.Errorf("eclpframe: frame carries no ECLP control word")
	}
	ecl := eclpLayer.(*ECLPLayer)

	from := peerAddr(eth.SrcMAC)
	act := d.Link.Received(from, ecl.MsgRaw, ecl.Seqno)

	if act == eclp.ActionError || act.Has(eclp.ActionSigErr) {
		_, errSnap := d.Link.ReadAndClearErrorState()
		d.Events.PublishLinkStatus(d.PortID, d.Link.ReadCurrentState(), errSnap.ErrorFlag)
		slog.Warn("eclp link error", "module_id", d.ModuleID, "port_id", d.PortID, "flag", errSnap.ErrorFlag)
		return nil, nil
	}

	if act.Has(eclp.ActionProcAIT) {
		payload := append([]byte(nil), ecl.Payload...)
		d.Link.StashAIT(&eclp.AITMessage{Payload: payload})
	}

	if act.Has(eclp.ActionSigAIT) {
		if got, ok := d.Link.DequeueAIT(); ok {
			d.Events.PublishAITGot(d.PortID, got.Payload)
		}
	}

	if !act.Has(eclp.ActionSend) {
		return nil, nil
	}

	out, err := d.renderTick()
	if err != nil {
		return nil, err
	}
	return []Outbound{out}, nil
}

// Tick is the periodic, clock-driven transmit path (spec.md §9's "external
// scheduled task periodically calls next_send"). It renders one frame when
// NextSend's action carries the SEND bit (including a repeated HELLO or a
// plain EVENT) and returns an Outbound with a nil Frame otherwise.
func (d *Dispatcher) Tick() (Outbound, error) {
	return d.renderTick()
}

// TickTx is the pure-transmit clock path: it renders like Tick but through
// eclp.Link.NextSendTx, so it never originates new AIT. internal/linkmgr's
// scheduler does not call it; its tick events go through Tick.
func (d *Dispatcher) TickTx() (Outbound, error) {
	op, seqno, act, ait := d.Link.NextSendTx()
	return d.render(op, seqno, act, ait)
}

func (d *Dispatcher) renderTick() (Outbound, error) {
	op, seqno, act, ait := d.Link.NextSend()
	return d.render(op, seqno, act, ait)
}

func (d *Dispatcher) render(op eclp.Opcode, seqno uint32, act eclp.Action, ait *eclp.AITMessage) (Outbound, error) {
	if !act.Has(eclp.ActionSend) {
		return Outbound{}, nil
	}

	payload := []byte(nil)
	if act.Has(eclp.ActionSendAIT) && ait != nil {
		payload = ait.Payload
	}

	ecl := &ECLPLayer{MsgRaw: uint16(op), Seqno: seqno}
	ethL := &layers.Ethernet{
		SrcMAC:       d.Ep.OwnMAC,
		DstMAC:       d.Ep.PeerMAC,
		EthernetType: d.Ep.EtherType,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	layersToSerialize := []gopacket.SerializableLayer{ethL, ecl}
	if len(payload) > 0 {
		layersToSerialize = append(layersToSerialize, gopacket.Payload(payload))
	}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return Outbound{}, fmt.Errorf("eclpframe: serialize: %w", err)
	}

	return Outbound{Frame: append([]byte(nil), buf.Bytes()...)}, nil
}
