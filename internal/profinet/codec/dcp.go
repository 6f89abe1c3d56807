package codec

// DCP service ids.
const (
	DCPServiceGet      uint8 = 0x03
	DCPServiceSet      uint8 = 0x04
	DCPServiceIdentify uint8 = 0x05
	DCPServiceHello    uint8 = 0x06
)

// DCP service types.
const (
	DCPTypeRequest     uint8 = 0x00
	DCPTypeResponse    uint8 = 0x01
	DCPTypeUnsupported uint8 = 0x05
)

// DCP block options and suboptions.
const (
	DCPOptionIP               uint8 = 0x01
	DCPOptionDeviceProperties uint8 = 0x02
	DCPOptionDHCP             uint8 = 0x03
	DCPOptionControl          uint8 = 0x05
	DCPOptionDeviceInitiative uint8 = 0x06
	DCPOptionAll              uint8 = 0xFF

	DCPSubIPMAC       uint8 = 0x01
	DCPSubIPParameter uint8 = 0x02

	DCPSubDevTypeOfStation uint8 = 0x01
	DCPSubDevNameOfStation uint8 = 0x02
	DCPSubDevID            uint8 = 0x03
	DCPSubDevRole          uint8 = 0x04
	DCPSubDevOptions       uint8 = 0x05
	DCPSubDevAlias         uint8 = 0x06

	DCPSubControlStart        uint8 = 0x01
	DCPSubControlStop         uint8 = 0x02
	DCPSubControlSignal       uint8 = 0x03
	DCPSubControlResponse     uint8 = 0x04
	DCPSubControlFactoryReset uint8 = 0x05

	DCPSubAll uint8 = 0xFF
)

// DCPHeaderLen is the fixed size of the DCP PDU header.
const DCPHeaderLen = 10

// DCPBlockHeaderLen is option + suboption + block length.
const DCPBlockHeaderLen = 4

// DCPHeader is the header that follows the frame id of every DCP frame.
type DCPHeader struct {
	ServiceID     uint8
	ServiceType   uint8
	Xid           uint32
	ResponseDelay uint16
	DataLength    uint16
}

// PutDCPHeader writes h verbatim. Use StartDCP when the data length is not
// known up front.
func PutDCPHeader(b *Builder, h DCPHeader) error {
	if b.Remaining() < DCPHeaderLen {
		return ErrBufferFull
	}
	_ = b.PutUint8(h.ServiceID)
	_ = b.PutUint8(h.ServiceType)
	_ = b.PutUint32(h.Xid)
	_ = b.PutUint16(h.ResponseDelay)
	return b.PutUint16(h.DataLength)
}

// DCPWriter tracks a DCP PDU under construction so its data length can be
// patched once all blocks are written.
type DCPWriter struct {
	b      *Builder
	lenOff int
	start  int
}

// StartDCP writes h with a zero data length and returns a writer that
// fixes the length in Finish.
func StartDCP(b *Builder, h DCPHeader) (DCPWriter, error) {
	h.DataLength = 0
	if err := PutDCPHeader(b, h); err != nil {
		return DCPWriter{}, err
	}
	return DCPWriter{b: b, lenOff: b.Len() - 2, start: b.Len()}, nil
}

// Finish patches the data length to cover every block written since
// StartDCP.
func (w DCPWriter) Finish() error {
	n := w.b.Len() - w.start
	if n > 0xFFFF {
		return ErrMalformed
	}
	return w.b.PatchUint16(w.lenOff, uint16(n))
}

// ParseDCPHeader reads the DCP header.
func ParseDCPHeader(p *Parser) (DCPHeader, error) {
	var h DCPHeader
	if p.Remaining() < DCPHeaderLen {
		return h, ErrTruncated
	}
	h.ServiceID, _ = p.Uint8()
	h.ServiceType, _ = p.Uint8()
	h.Xid, _ = p.Uint32()
	h.ResponseDelay, _ = p.Uint16()
	h.DataLength, _ = p.Uint16()
	return h, nil
}

// DCPBlock is one option/suboption block. Data aliases the parsed buffer
// and excludes the alignment pad.
type DCPBlock struct {
	Option    uint8
	Suboption uint8
	Length    uint16
	Data      []byte
}

// PutDCPBlock writes a complete block, padding to an even length.
func PutDCPBlock(b *Builder, option, suboption uint8, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrMalformed
	}
	pad := len(data) & 1
	if b.Remaining() < DCPBlockHeaderLen+len(data)+pad {
		return ErrBufferFull
	}
	_ = b.PutUint8(option)
	_ = b.PutUint8(suboption)
	_ = b.PutUint16(uint16(len(data)))
	_ = b.PutBytes(data)
	return b.PutZeros(pad)
}

// PutDCPBlockString is PutDCPBlock for string payloads.
func PutDCPBlockString(b *Builder, option, suboption uint8, s string) error {
	if len(s) > 0xFFFF {
		return ErrMalformed
	}
	pad := len(s) & 1
	if b.Remaining() < DCPBlockHeaderLen+len(s)+pad {
		return ErrBufferFull
	}
	_ = b.PutUint8(option)
	_ = b.PutUint8(suboption)
	_ = b.PutUint16(uint16(len(s)))
	_ = b.PutString(s)
	return b.PutZeros(pad)
}

// PutDCPQualifiedBlock writes a Set-request block: the 2-byte block
// qualifier precedes data and is counted in the block length.
func PutDCPQualifiedBlock(b *Builder, option, suboption uint8, qualifier uint16, data []byte) error {
	n := 2 + len(data)
	if n > 0xFFFF {
		return ErrMalformed
	}
	pad := n & 1
	if b.Remaining() < DCPBlockHeaderLen+n+pad {
		return ErrBufferFull
	}
	_ = b.PutUint8(option)
	_ = b.PutUint8(suboption)
	_ = b.PutUint16(uint16(n))
	_ = b.PutUint16(qualifier)
	_ = b.PutBytes(data)
	return b.PutZeros(pad)
}

// ParseDCPBlock reads the next block and skips its alignment pad if present.
func ParseDCPBlock(p *Parser) (DCPBlock, error) {
	var blk DCPBlock
	if p.Remaining() < DCPBlockHeaderLen {
		return blk, ErrTruncated
	}
	blk.Option, _ = p.Uint8()
	blk.Suboption, _ = p.Uint8()
	blk.Length, _ = p.Uint16()
	data, err := p.Block(int(blk.Length))
	if err != nil {
		return blk, err
	}
	blk.Data = data
	if blk.Length&1 == 1 && p.Remaining() > 0 {
		_ = p.Skip(1)
	}
	return blk, nil
}

// DCPBlockInfoLen is the size of the BlockInfo (or BlockQualifier) prefix
// carried by response and Set blocks.
const DCPBlockInfoLen = 2

// SplitBlockInfo separates the 2-byte BlockInfo from the block value.
func SplitBlockInfo(data []byte) (info uint16, value []byte, err error) {
	if len(data) < DCPBlockInfoLen {
		return 0, nil, ErrMalformed
	}
	return uint16(data[0])<<8 | uint16(data[1]), data[DCPBlockInfoLen:], nil
}
