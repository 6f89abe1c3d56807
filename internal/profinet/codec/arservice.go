package codec

// AR service opcodes. Responses set the high bit of the request opcode.
const (
	OpConnect  uint8 = 0x01
	OpRelease  uint8 = 0x02
	OpWrite    uint8 = 0x03
	OpRead     uint8 = 0x04
	OpResponse uint8 = 0x80
)

// AR service status codes.
const (
	StatusOK             uint8 = 0x00
	StatusRejected       uint8 = 0x01
	StatusUnknownAR      uint8 = 0x02
	StatusBadParameter   uint8 = 0x03
	StatusAuthorityDeny  uint8 = 0x04
	StatusRecordNotFound uint8 = 0x05
)

// Well-known record indexes.
const (
	RecordIndexAuthority uint16 = 0xF100
	RecordIndexDiagnosis uint16 = 0xF000
)

// ARServiceHeaderLen is opcode + status + AR UUID + sequence + body length.
const ARServiceHeaderLen = 1 + 1 + 16 + 4 + 2

// MaxStationNameLen is the longest station name carried on the wire.
const MaxStationNameLen = 63

// ARService is a decoded AR service PDU. Body aliases the parsed buffer.
type ARService struct {
	Opcode   uint8
	Status   uint8
	ARUUID   [16]byte
	Sequence uint32
	Body     []byte
}

// IsResponse reports whether the PDU answers a request.
func (a ARService) IsResponse() bool {
	return a.Opcode&OpResponse != 0
}

// ParseARService decodes the payload that follows FrameIDARService.
func ParseARService(payload []byte) (ARService, error) {
	var a ARService
	p := NewParser(payload)
	if p.Remaining() < ARServiceHeaderLen {
		return a, ErrTruncated
	}
	a.Opcode, _ = p.Uint8()
	a.Status, _ = p.Uint8()
	id, _ := p.Bytes(16)
	copy(a.ARUUID[:], id)
	a.Sequence, _ = p.Uint32()
	n, _ := p.Uint16()
	body, err := p.Block(int(n))
	if err != nil {
		return a, err
	}
	a.Body = body
	return a, nil
}

// ARServiceWriter builds an AR service frame in place.
type ARServiceWriter struct {
	b      *Builder
	lenOff int
	start  int
}

// StartARService writes the link header, frame id and PDU header with a
// body length placeholder.
func StartARService(b *Builder, dst, src MAC, opcode, status uint8, arUUID [16]byte, seq uint32) (ARServiceWriter, error) {
	if b.Remaining() < EthernetHeaderLen+FrameIDLen+ARServiceHeaderLen {
		return ARServiceWriter{}, ErrBufferFull
	}
	_ = StartFrame(b, dst, src, FrameIDARService)
	_ = b.PutUint8(opcode)
	_ = b.PutUint8(status)
	_ = b.PutBytes(arUUID[:])
	_ = b.PutUint32(seq)
	off, err := b.Reserve16()
	if err != nil {
		return ARServiceWriter{}, err
	}
	return ARServiceWriter{b: b, lenOff: off, start: b.Len()}, nil
}

// Builder exposes the underlying builder for writing the body.
func (w ARServiceWriter) Builder() *Builder { return w.b }

// Finish patches the body length and pads the frame.
func (w ARServiceWriter) Finish() error {
	n := w.b.Len() - w.start
	if n > 0xFFFF {
		return ErrMalformed
	}
	if err := w.b.PatchUint16(w.lenOff, uint16(n)); err != nil {
		return err
	}
	return FinishFrame(w.b)
}

// ConnectRequest is the body of an OpConnect request. StationName and
// SlotTypes alias the parsed buffer.
type ConnectRequest struct {
	StationName   []byte
	ControllerMAC MAC
	CycleTimeUs   uint32
	WatchdogMs    uint32
	VendorID      uint16
	DeviceID      uint16
	OutputFrameID uint16
	InputFrameID  uint16
	SlotTypes     []byte
}

// PutConnectRequest writes a connect request body. The station name is
// passed separately so callers need not convert it to a byte slice;
// req.StationName is ignored.
func PutConnectRequest(b *Builder, stationName string, req ConnectRequest) error {
	if len(stationName) == 0 || len(stationName) > MaxStationNameLen || len(req.SlotTypes) > 0xFF {
		return ErrMalformed
	}
	need := 1 + len(stationName) + 6 + 4 + 4 + 2 + 2 + 2 + 2 + 1 + len(req.SlotTypes)
	if b.Remaining() < need {
		return ErrBufferFull
	}
	_ = b.PutUint8(uint8(len(stationName)))
	_ = b.PutString(stationName)
	_ = b.PutMAC(req.ControllerMAC)
	_ = b.PutUint32(req.CycleTimeUs)
	_ = b.PutUint32(req.WatchdogMs)
	_ = b.PutUint16(req.VendorID)
	_ = b.PutUint16(req.DeviceID)
	_ = b.PutUint16(req.OutputFrameID)
	_ = b.PutUint16(req.InputFrameID)
	_ = b.PutUint8(uint8(len(req.SlotTypes)))
	return b.PutBytes(req.SlotTypes)
}

// ParseConnectRequest decodes a connect request body.
func ParseConnectRequest(body []byte) (ConnectRequest, error) {
	var r ConnectRequest
	p := NewParser(body)
	n, err := p.Uint8()
	if err != nil {
		return r, err
	}
	if n == 0 || n > MaxStationNameLen {
		return r, ErrMalformed
	}
	if r.StationName, err = p.Block(int(n)); err != nil {
		return r, err
	}
	if p.Remaining() < 6+4+4+2+2+2+2+1 {
		return r, ErrTruncated
	}
	r.ControllerMAC, _ = p.MAC()
	r.CycleTimeUs, _ = p.Uint32()
	r.WatchdogMs, _ = p.Uint32()
	r.VendorID, _ = p.Uint16()
	r.DeviceID, _ = p.Uint16()
	r.OutputFrameID, _ = p.Uint16()
	r.InputFrameID, _ = p.Uint16()
	count, _ := p.Uint8()
	if r.SlotTypes, err = p.Block(int(count)); err != nil {
		return r, err
	}
	return r, nil
}

// ConnectResponse is the body of a positive OpConnect response: the frame
// ids the device will use and its actual slot layout.
type ConnectResponse struct {
	InputFrameID  uint16
	OutputFrameID uint16
	SlotTypes     []byte
}

// PutConnectResponse writes a connect response body.
func PutConnectResponse(b *Builder, r ConnectResponse) error {
	if len(r.SlotTypes) > 0xFF {
		return ErrMalformed
	}
	if b.Remaining() < 2+2+1+len(r.SlotTypes) {
		return ErrBufferFull
	}
	_ = b.PutUint16(r.InputFrameID)
	_ = b.PutUint16(r.OutputFrameID)
	_ = b.PutUint8(uint8(len(r.SlotTypes)))
	return b.PutBytes(r.SlotTypes)
}

// ParseConnectResponse decodes a connect response body.
func ParseConnectResponse(body []byte) (ConnectResponse, error) {
	var r ConnectResponse
	p := NewParser(body)
	if p.Remaining() < 5 {
		return r, ErrTruncated
	}
	r.InputFrameID, _ = p.Uint16()
	r.OutputFrameID, _ = p.Uint16()
	n, _ := p.Uint8()
	var err error
	if r.SlotTypes, err = p.Block(int(n)); err != nil {
		return r, err
	}
	return r, nil
}

// Record is the body of write requests and read responses:
// index (2) | length (2) | data.
type Record struct {
	Index uint16
	Data  []byte
}

// PutRecord writes a record body.
func PutRecord(b *Builder, index uint16, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrMalformed
	}
	if b.Remaining() < 4+len(data) {
		return ErrBufferFull
	}
	_ = b.PutUint16(index)
	_ = b.PutUint16(uint16(len(data)))
	return b.PutBytes(data)
}

// ParseRecord decodes a record body.
func ParseRecord(body []byte) (Record, error) {
	var r Record
	p := NewParser(body)
	if p.Remaining() < 4 {
		return r, ErrTruncated
	}
	r.Index, _ = p.Uint16()
	n, _ := p.Uint16()
	var err error
	if r.Data, err = p.Block(int(n)); err != nil {
		return r, err
	}
	return r, nil
}

// PutReadRequest writes a read request body: index (2) | max length (2).
func PutReadRequest(b *Builder, index, maxLen uint16) error {
	if b.Remaining() < 4 {
		return ErrBufferFull
	}
	_ = b.PutUint16(index)
	return b.PutUint16(maxLen)
}

// ParseReadRequest decodes a read request body.
func ParseReadRequest(body []byte) (index, maxLen uint16, err error) {
	p := NewParser(body)
	if p.Remaining() < 4 {
		return 0, 0, ErrTruncated
	}
	index, _ = p.Uint16()
	maxLen, _ = p.Uint16()
	return index, maxLen, nil
}

// Authority record actions.
const (
	AuthorityActionRequest uint8 = 0x01
	AuthorityActionRelease uint8 = 0x02
)

// AuthorityRequestLen and AuthorityAckLen are the fixed record sizes.
const (
	AuthorityRequestLen = 5
	AuthorityAckLen     = 10
)

// AuthorityRequest asks the device to hand over (or take back) actuator
// authority for a handoff round.
type AuthorityRequest struct {
	Action uint8
	Round  uint32
}

// Encode writes the request into dst, which must be AuthorityRequestLen long.
func (r AuthorityRequest) Encode(dst []byte) error {
	b := NewBuilder(dst)
	if b.Remaining() < AuthorityRequestLen {
		return ErrBufferFull
	}
	_ = b.PutUint8(r.Action)
	return b.PutUint32(r.Round)
}

// ParseAuthorityRequest decodes an authority request record.
func ParseAuthorityRequest(data []byte) (AuthorityRequest, error) {
	var r AuthorityRequest
	if len(data) != AuthorityRequestLen {
		return r, ErrMalformed
	}
	p := NewParser(data)
	r.Action, _ = p.Uint8()
	r.Round, _ = p.Uint32()
	if r.Action != AuthorityActionRequest && r.Action != AuthorityActionRelease {
		return r, ErrMalformed
	}
	return r, nil
}

// AuthorityAck is the device's answer to an AuthorityRequest. LastEpoch is
// the highest write epoch the device has accepted so far.
type AuthorityAck struct {
	Action    uint8
	Granted   bool
	Round     uint32
	LastEpoch uint32
}

// Encode writes the ack into dst, which must be AuthorityAckLen long.
func (a AuthorityAck) Encode(dst []byte) error {
	b := NewBuilder(dst)
	if b.Remaining() < AuthorityAckLen {
		return ErrBufferFull
	}
	granted := uint8(0)
	if a.Granted {
		granted = 1
	}
	_ = b.PutUint8(a.Action)
	_ = b.PutUint8(granted)
	_ = b.PutUint32(a.Round)
	return b.PutUint32(a.LastEpoch)
}

// ParseAuthorityAck decodes an authority ack record.
func ParseAuthorityAck(data []byte) (AuthorityAck, error) {
	var a AuthorityAck
	if len(data) != AuthorityAckLen {
		return a, ErrMalformed
	}
	p := NewParser(data)
	a.Action, _ = p.Uint8()
	g, _ := p.Uint8()
	a.Round, _ = p.Uint32()
	a.LastEpoch, _ = p.Uint32()
	if g > 1 {
		return a, ErrMalformed
	}
	a.Granted = g == 1
	return a, nil
}
