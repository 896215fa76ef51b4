package eclpframe_test

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/require"

	"github.com/earthcomputing/eclpd/internal/eclpframe"
)

func TestECLPLayer_DecodeControlWord(t *testing.T) {
	data := []byte{
		0x00, 0x01, // msg_raw = EVENT
		0x00, 0x00, 0x00, 0x2a, // seqno = 42
		0xde, 0xad, // trailing payload
	}
	pkt := gopacket.NewPacket(data, eclpframe.ECLPLayerType, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())

	l, ok := pkt.Layer(eclpframe.ECLPLayerType).(*eclpframe.ECLPLayer)
	require.True(t, ok)
	require.Equal(t, uint16(0x0001), l.MsgRaw)
	require.Equal(t, uint32(42), l.Seqno)
	require.Equal(t, uint8(0x01), l.Opcode())
	require.Equal(t, []byte{0xde, 0xad}, []byte(l.Payload))
}

func TestECLPLayer_DecodeTruncatedControlWordErrors(t *testing.T) {
	pkt := gopacket.NewPacket([]byte{0x00, 0x01, 0x00}, eclpframe.ECLPLayerType, gopacket.Default)
	require.NotNil(t, pkt.ErrorLayer())
}

func TestECLPLayer_SerializeRoundTrip(t *testing.T) {
	l := &eclpframe.ECLPLayer{MsgRaw: 0x0003, Seqno: 0x00000104}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, l.SerializeTo(buf, gopacket.SerializeOptions{}))

	pkt := gopacket.NewPacket(buf.Bytes(), eclpframe.ECLPLayerType, gopacket.Default)
	got, ok := pkt.Layer(eclpframe.ECLPLayerType).(*eclpframe.ECLPLayer)
	require.True(t, ok)
	require.Equal(t, l.MsgRaw, got.MsgRaw)
	require.Equal(t, l.Seqno, got.Seqno)
}

func TestParseDestMAC_ForwardAndALOCommand(t *testing.T) {
	mac := eclpframe.EncodeDestMAC(eclpframe.DestControl{
		Forward:        true,
		HostOnBackward: true,
		ALOCommand:     0x1234,
	})
	got := eclpframe.ParseDestMAC(mac)
	require.True(t, got.Forward)
	require.True(t, got.HostOnBackward)
	require.Equal(t, uint16(0x1234), got.ALOCommand)
}

func TestParseSrcMAC_NextHopAndDirection(t *testing.T) {
	mac := eclpframe.EncodeSrcMAC(eclpframe.SrcControl{
		NextHopID: 0xCAFEBABE,
		Direction: true,
	})
	got := eclpframe.ParseSrcMAC(mac)
	require.True(t, got.Direction)
	require.Equal(t, uint32(0xCAFEBABE), got.NextHopID)
}
