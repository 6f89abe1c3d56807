package codec

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSrc = MAC{0x00, 0x0a, 0x95, 0x01, 0x02, 0x03}
	testDst = MAC{0x00, 0x1b, 0x1b, 0xaa, 0xbb, 0xcc}
)

// serialize builds a reference frame with gopacket so the codec is checked
// against an independent encoder.
func serialize(t *testing.T, tagged bool, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(testSrc[:]),
		DstMAC:       net.HardwareAddr(testDst[:]),
		EthernetType: layers.EthernetType(EtherTypeProfinet),
	}
	buf := gopacket.NewSerializeBuffer()
	var err error
	if tagged {
		eth.EthernetType = layers.EthernetTypeDot1Q
		tag := &layers.Dot1Q{
			Priority:       6,
			VLANIdentifier: 0,
			Type:           layers.EthernetType(EtherTypeProfinet),
		}
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, tag, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload))
	}
	require.NoError(t, err)
	return buf.Bytes()
}

func identifyPayload(t *testing.T) []byte {
	t.Helper()
	b := NewBuilder(make([]byte, 128))
	require.NoError(t, b.PutUint16(FrameIDDCPIdentResp))
	w, err := StartDCP(&b, DCPHeader{ServiceID: DCPServiceIdentify, ServiceType: DCPTypeResponse, Xid: 0xcafe})
	require.NoError(t, err)
	require.NoError(t, PutDCPBlockString(&b, DCPOptionDeviceProperties, DCPSubDevNameOfStation, "\x00\x00water-rtu-01"))
	require.NoError(t, PutDCPBlock(&b, DCPOptionDeviceProperties, DCPSubDevID, []byte{0, 0, 0x01, 0x2a, 0x00, 0x07}))
	require.NoError(t, PutDCPBlock(&b, DCPOptionIP, DCPSubIPParameter, []byte{
		0, 1, 192, 168, 1, 50, 255, 255, 255, 0, 192, 168, 1, 1,
	}))
	require.NoError(t, w.Finish())
	// Longer than the Ethernet minimum so neither variant is padded.
	require.Greater(t, b.Len()+EthernetHeaderLen, MinFrameLen)
	return append([]byte(nil), b.Bytes()...)
}

func TestDecodeFrame_VLANUnwrapMatchesUntagged(t *testing.T) {
	payload := identifyPayload(t)

	plain, err := DecodeFrame(serialize(t, false, payload))
	require.NoError(t, err)
	tagged, err := DecodeFrame(serialize(t, true, payload))
	require.NoError(t, err)

	assert.False(t, plain.Eth.Tagged)
	assert.True(t, tagged.Eth.Tagged)
	assert.Equal(t, uint8(6), tagged.Eth.Priority)
	assert.Equal(t, uint16(0), tagged.Eth.VLANID)

	assert.Equal(t, plain.Eth.Dst, tagged.Eth.Dst)
	assert.Equal(t, plain.Eth.Src, tagged.Eth.Src)
	assert.Equal(t, EtherTypeProfinet, tagged.Eth.EtherType)
	assert.Equal(t, plain.FrameID, tagged.FrameID)
	assert.Equal(t, FrameIDDCPIdentResp, tagged.FrameID)
	assert.Equal(t, ClassDCP, tagged.Class())
	assert.Equal(t, plain.Payload, tagged.Payload)
}

func TestDecodeFrame_TagNotMistakenForFrameID(t *testing.T) {
	// A tagged frame whose TCI looks like a cyclic frame id must still be
	// dispatched on the inner frame id.
	b := NewBuilder(make([]byte, MinFrameLen))
	require.NoError(t, PutEthernet(&b, EthernetHeader{
		Dst: testDst, Src: testSrc, Tagged: true, Priority: 4, VLANID: 0x001, EtherType: EtherTypeProfinet,
	}))
	require.NoError(t, b.PutUint16(FrameIDARService))
	require.NoError(t, FinishFrame(&b))

	f, err := DecodeFrame(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FrameIDARService, f.FrameID)
	assert.Equal(t, ClassARService, f.Class())
	assert.Equal(t, uint16(1), f.Eth.VLANID)
	assert.Equal(t, uint8(4), f.Eth.Priority)
}

func TestDecodeFrame_StackedTagMalformed(t *testing.T) {
	b := NewBuilder(make([]byte, MinFrameLen))
	require.NoError(t, b.PutMAC(testDst))
	require.NoError(t, b.PutMAC(testSrc))
	require.NoError(t, b.PutUint16(EtherTypeVLAN))
	require.NoError(t, b.PutUint16(0x0001))
	require.NoError(t, b.PutUint16(EtherTypeVLAN))
	require.NoError(t, b.PutUint16(0x0002))
	require.NoError(t, b.PutUint16(EtherTypeProfinet))
	require.NoError(t, FinishFrame(&b))

	_, err := DecodeFrame(b.Bytes())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeFrame_NotProfinet(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(testSrc[:]),
		DstMAC:       net.HardwareAddr(testDst[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload([]byte{1, 2, 3})))

	_, err := DecodeFrame(buf.Bytes())
	assert.ErrorIs(t, err, ErrNotProfinet)
}

func TestDecodeFrame_ShortFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"half mac", []byte{1, 2, 3}},
		{"no ethertype", make([]byte, 12)},
		{"tag without tci", append(make([]byte, 12), 0x81, 0x00)},
		{"no frame id", append(make([]byte, 12), 0x88, 0x92, 0xfe)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.raw)
			assert.ErrorIs(t, err, ErrTruncated)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		id   uint16
		want FrameClass
	}{
		{0x8000, ClassCyclic},
		{0xBFFF, ClassCyclic},
		{0xC000, ClassUnknown},
		{FrameIDAlarmHigh, ClassAlarm},
		{FrameIDAlarmLow, ClassAlarm},
		{FrameIDARService, ClassARService},
		{FrameIDDCPHello, ClassDCP},
		{FrameIDDCPGetSet, ClassDCP},
		{FrameIDDCPIdentify, ClassDCP},
		{FrameIDDCPIdentResp, ClassDCP},
		{0x0100, ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.id); got != tt.want {
			t.Errorf("Classify(%#04x) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestMAC(t *testing.T) {
	m, err := ParseMAC("01:0e:cf:00:00:00")
	require.NoError(t, err)
	assert.Equal(t, DCPMulticastMAC, m)
	assert.True(t, m.IsMulticast())
	assert.False(t, testSrc.IsMulticast())
	assert.True(t, MAC{}.IsZero())
	assert.Equal(t, "00:0a:95:01:02:03", testSrc.String())

	_, err = ParseMAC("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01")
	assert.Error(t, err)
}

func TestMAC_Text(t *testing.T) {
	b, err := json.Marshal(struct{ MAC MAC }{testDst})
	require.NoError(t, err)
	assert.JSONEq(t, `{"MAC":"00:1b:1b:aa:bb:cc"}`, string(b))

	var got struct{ MAC MAC }
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, testDst, got.MAC)

	assert.Error(t, json.Unmarshal([]byte(`{"MAC":"nope"}`), &got))
}
