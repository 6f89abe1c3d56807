package codec

import (
	"fmt"
	"net"
)

// Ethernet constants.
const (
	EtherTypeProfinet uint16 = 0x8892
	EtherTypeVLAN     uint16 = 0x8100
	EtherTypeQinQ     uint16 = 0x88A8

	EthernetHeaderLen = 14
	VLANTagLen        = 4
	MinFrameLen       = 60
	MaxFrameLen       = 1518
)

// MAC is a 48-bit hardware address stored by value so frames can be
// described without heap allocation.
type MAC [6]byte

// Well-known destination addresses.
var (
	BroadcastMAC    = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	DCPMulticastMAC = MAC{0x01, 0x0e, 0xcf, 0x00, 0x00, 0x00}
)

// ParseMAC parses any format accepted by net.ParseMAC, restricted
// to 48-bit addresses.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	return MACFromHardwareAddr(hw)
}

// MACFromHardwareAddr converts a net.HardwareAddr of length 6.
func MACFromHardwareAddr(hw net.HardwareAddr) (MAC, error) {
	var m MAC
	if len(hw) != len(m) {
		return m, fmt.Errorf("hardware address %s is not 48 bits", hw)
	}
	copy(m[:], hw)
	return m, nil
}

// HardwareAddr returns m as a net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(m[:])
}

func (m MAC) String() string {
	return m.HardwareAddr().String()
}

// MarshalText encodes m in colon-separated form.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts anything ParseMAC does.
func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// IsMulticast reports whether the group bit is set (includes broadcast).
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// EthernetHeader is the decoded link header. When Tagged is set the frame
// carried one 802.1Q tag whose priority and VLAN id are reported here, and
// EtherType is the encapsulated type.
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	Tagged    bool
	Priority  uint8
	VLANID    uint16
	EtherType uint16
}

// ParseEthernet reads the link header, unwrapping a single 802.1Q tag.
// A second stacked tag is rejected as malformed.
func ParseEthernet(p *Parser) (EthernetHeader, error) {
	var h EthernetHeader
	var err error
	if h.Dst, err = p.MAC(); err != nil {
		return h, err
	}
	if h.Src, err = p.MAC(); err != nil {
		return h, err
	}
	if h.EtherType, err = p.Uint16(); err != nil {
		return h, err
	}
	if h.EtherType == EtherTypeVLAN {
		tci, err := p.Uint16()
		if err != nil {
			return h, err
		}
		h.Tagged = true
		h.Priority = uint8(tci >> 13)
		h.VLANID = tci & 0x0fff
		if h.EtherType, err = p.Uint16(); err != nil {
			return h, err
		}
		if h.EtherType == EtherTypeVLAN || h.EtherType == EtherTypeQinQ {
			return h, ErrMalformed
		}
	}
	return h, nil
}

// PutEthernet writes the link header, including an 802.1Q tag when
// h.Tagged is set.
func PutEthernet(b *Builder, h EthernetHeader) error {
	need := EthernetHeaderLen
	if h.Tagged {
		need += VLANTagLen
	}
	if b.Remaining() < need {
		return ErrBufferFull
	}
	_ = b.PutMAC(h.Dst)
	_ = b.PutMAC(h.Src)
	if h.Tagged {
		_ = b.PutUint16(EtherTypeVLAN)
		_ = b.PutUint16(uint16(h.Priority&0x07)<<13 | h.VLANID&0x0fff)
	}
	return b.PutUint16(h.EtherType)
}

// Frame ids used for dispatch.
const (
	FrameIDCyclicFirst  uint16 = 0x8000
	FrameIDCyclicLast   uint16 = 0xBFFF
	FrameIDAlarmHigh    uint16 = 0xFC01
	FrameIDAlarmLow     uint16 = 0xFE01
	FrameIDARService    uint16 = 0xFE02
	FrameIDDCPHello     uint16 = 0xFEFC
	FrameIDDCPGetSet    uint16 = 0xFEFD
	FrameIDDCPIdentify  uint16 = 0xFEFE
	FrameIDDCPIdentResp uint16 = 0xFEFF
)

// FrameIDLen is the size of the frame id that follows the link header.
const FrameIDLen = 2

// FrameClass groups frame ids by the component that consumes them.
type FrameClass uint8

const (
	ClassUnknown FrameClass = iota
	ClassCyclic
	ClassAlarm
	ClassARService
	ClassDCP
)

func (c FrameClass) String() string {
	switch c {
	case ClassCyclic:
		return "cyclic"
	case ClassAlarm:
		return "alarm"
	case ClassARService:
		return "ar_service"
	case ClassDCP:
		return "dcp"
	default:
		return "unknown"
	}
}

// Classify maps a frame id to its class.
func Classify(frameID uint16) FrameClass {
	switch {
	case frameID >= FrameIDCyclicFirst && frameID <= FrameIDCyclicLast:
		return ClassCyclic
	case frameID == FrameIDAlarmHigh || frameID == FrameIDAlarmLow:
		return ClassAlarm
	case frameID == FrameIDARService:
		return ClassARService
	case frameID >= FrameIDDCPHello && frameID <= FrameIDDCPIdentResp:
		return ClassDCP
	default:
		return ClassUnknown
	}
}

// Frame is a decoded PROFINET frame. Payload aliases the input buffer and
// starts right after the frame id.
type Frame struct {
	Eth     EthernetHeader
	FrameID uint16
	Payload []byte
}

// Class returns the dispatch class of the frame id.
func (f Frame) Class() FrameClass {
	return Classify(f.FrameID)
}

// DecodeFrame parses the link header and frame id. Frames with any other
// ethertype yield ErrNotProfinet.
func DecodeFrame(buf []byte) (Frame, error) {
	var f Frame
	p := NewParser(buf)
	eth, err := ParseEthernet(&p)
	if err != nil {
		return f, err
	}
	if eth.EtherType != EtherTypeProfinet {
		return f, ErrNotProfinet
	}
	f.Eth = eth
	if f.FrameID, err = p.Uint16(); err != nil {
		return f, err
	}
	f.Payload = p.Rest()
	return f, nil
}

// StartFrame writes an untagged PROFINET link header and the frame id.
func StartFrame(b *Builder, dst, src MAC, frameID uint16) error {
	if b.Remaining() < EthernetHeaderLen+FrameIDLen {
		return ErrBufferFull
	}
	_ = PutEthernet(b, EthernetHeader{Dst: dst, Src: src, EtherType: EtherTypeProfinet})
	return b.PutUint16(frameID)
}

// FinishFrame pads the frame to the Ethernet minimum.
func FinishFrame(b *Builder) error {
	return b.PadTo(MinFrameLen)
}
