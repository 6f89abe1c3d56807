package codec

import (
	"math"

	"github.com/HerbHall/pnvantage/pkg/models"
)

// Slot payload sizes.
const (
	SensorSampleLen   = 5
	ActuatorOutputLen = 4
)

// Data status bits carried in the cyclic APDU status.
const (
	DataStatusPrimary uint8 = 0x01
	DataStatusValid   uint8 = 0x04
	DataStatusRun     uint8 = 0x10
	DataStatusNormal  uint8 = 0x20

	DataStatusDefault = DataStatusPrimary | DataStatusValid | DataStatusRun | DataStatusNormal
)

const (
	cyclicTrailerLen = 4
	ioBlockHeaderLen = 2
	epochLen         = 4
)

// SlotDataLen returns the fixed payload size for a slot type, or -1 for
// types that carry no process data.
func SlotDataLen(t models.SlotType) int {
	switch t {
	case models.SlotSensor:
		return SensorSampleLen
	case models.SlotActuator:
		return ActuatorOutputLen
	default:
		return -1
	}
}

// DecodeSensor decodes a 5-byte sensor payload.
func DecodeSensor(b []byte) (models.SensorSample, error) {
	if len(b) != SensorSampleLen {
		return models.SensorSample{}, ErrMalformed
	}
	bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return models.SensorSample{
		Value:   math.Float32frombits(bits),
		Quality: models.Quality(b[4]),
	}, nil
}

// PutSensor appends a 5-byte sensor payload.
func PutSensor(b *Builder, s models.SensorSample) error {
	if b.Remaining() < SensorSampleLen {
		return ErrBufferFull
	}
	_ = b.PutFloat32(s.Value)
	return b.PutUint8(uint8(s.Quality))
}

// DecodeActuator decodes a 4-byte actuator payload. Unknown command codes
// are malformed.
func DecodeActuator(b []byte) (models.ActuatorOutput, error) {
	if len(b) != ActuatorOutputLen {
		return models.ActuatorOutput{}, ErrMalformed
	}
	out := models.ActuatorOutput{Command: models.Command(b[0]), Duty: b[1]}
	if !out.Command.Valid() {
		return models.ActuatorOutput{}, ErrMalformed
	}
	return out, nil
}

// PutActuator appends a 4-byte actuator payload.
func PutActuator(b *Builder, a models.ActuatorOutput) error {
	if b.Remaining() < ActuatorOutputLen {
		return ErrBufferFull
	}
	_ = b.PutUint8(uint8(a.Command))
	_ = b.PutUint8(a.Duty)
	return b.PutZeros(2)
}

// CyclicFrame is a decoded cyclic RT PDU:
//
//	data length (2) | data | cycle counter (2) | data status (1) | transfer status (1)
//
// Output frames (controller to RTU) start their data region with the 4-byte
// authority epoch; Data then excludes it.
type CyclicFrame struct {
	Epoch          uint32
	Data           []byte
	CycleCounter   uint16
	DataStatus     uint8
	TransferStatus uint8
}

// Valid reports whether the provider flagged the data as valid.
func (c CyclicFrame) Valid() bool {
	return c.DataStatus&DataStatusValid != 0
}

// ParseCyclic decodes the payload that follows a cyclic frame id.
func ParseCyclic(payload []byte, output bool) (CyclicFrame, error) {
	var c CyclicFrame
	p := NewParser(payload)
	n, err := p.Uint16()
	if err != nil {
		return c, err
	}
	data, err := p.Block(int(n))
	if err != nil {
		return c, err
	}
	if p.Remaining() < cyclicTrailerLen {
		return c, ErrTruncated
	}
	c.CycleCounter, _ = p.Uint16()
	c.DataStatus, _ = p.Uint8()
	c.TransferStatus, _ = p.Uint8()
	if output {
		if len(data) < epochLen {
			return c, ErrMalformed
		}
		c.Epoch = uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
		data = data[epochLen:]
	}
	c.Data = data
	return c, nil
}

// IOBlock is one slot's bytes inside the cyclic data region.
type IOBlock struct {
	Slot uint8
	Data []byte
}

// IOBlockReader iterates the slot blocks of a cyclic data region.
type IOBlockReader struct {
	p Parser
}

// Blocks returns a reader over the frame's slot blocks.
func (c CyclicFrame) Blocks() IOBlockReader {
	return IOBlockReader{p: NewParser(c.Data)}
}

// More reports whether unread bytes remain.
func (r *IOBlockReader) More() bool {
	return r.p.Remaining() > 0
}

// Next returns the next block. A declared length that overruns the data
// region is ErrMalformed.
func (r *IOBlockReader) Next() (IOBlock, error) {
	var blk IOBlock
	if r.p.Remaining() < ioBlockHeaderLen {
		return blk, ErrMalformed
	}
	blk.Slot, _ = r.p.Uint8()
	n, _ := r.p.Uint8()
	data, err := r.p.Block(int(n))
	if err != nil {
		return blk, err
	}
	blk.Data = data
	return blk, nil
}

// CyclicWriter builds a cyclic frame in place.
type CyclicWriter struct {
	b      *Builder
	lenOff int
	start  int
}

// StartCyclic writes the link header, frame id and a length placeholder.
func StartCyclic(b *Builder, dst, src MAC, frameID uint16) (CyclicWriter, error) {
	if err := StartFrame(b, dst, src, frameID); err != nil {
		return CyclicWriter{}, err
	}
	off, err := b.Reserve16()
	if err != nil {
		return CyclicWriter{}, err
	}
	return CyclicWriter{b: b, lenOff: off, start: b.Len()}, nil
}

// PutEpoch writes the authority epoch. It must be the first item of an
// output frame's data region.
func (w *CyclicWriter) PutEpoch(epoch uint32) error {
	if w.b.Len() != w.start {
		return ErrMalformed
	}
	return w.b.PutUint32(epoch)
}

// PutBlock appends a raw slot block.
func (w *CyclicWriter) PutBlock(slot uint8, data []byte) error {
	if len(data) > 0xFF {
		return ErrMalformed
	}
	if w.b.Remaining() < ioBlockHeaderLen+len(data) {
		return ErrBufferFull
	}
	_ = w.b.PutUint8(slot)
	_ = w.b.PutUint8(uint8(len(data)))
	return w.b.PutBytes(data)
}

// PutSensor appends a sensor block for slot.
func (w *CyclicWriter) PutSensor(slot uint8, s models.SensorSample) error {
	if w.b.Remaining() < ioBlockHeaderLen+SensorSampleLen {
		return ErrBufferFull
	}
	_ = w.b.PutUint8(slot)
	_ = w.b.PutUint8(SensorSampleLen)
	return PutSensor(w.b, s)
}

// PutActuator appends an actuator block for slot.
func (w *CyclicWriter) PutActuator(slot uint8, a models.ActuatorOutput) error {
	if w.b.Remaining() < ioBlockHeaderLen+ActuatorOutputLen {
		return ErrBufferFull
	}
	_ = w.b.PutUint8(slot)
	_ = w.b.PutUint8(ActuatorOutputLen)
	return PutActuator(w.b, a)
}

// Finish patches the data length, writes the APDU status and pads the
// frame to the Ethernet minimum.
func (w *CyclicWriter) Finish(cycleCounter uint16, dataStatus, transferStatus uint8) error {
	n := w.b.Len() - w.start
	if n > 0xFFFF {
		return ErrMalformed
	}
	if w.b.Remaining() < cyclicTrailerLen {
		return ErrBufferFull
	}
	_ = w.b.PatchUint16(w.lenOff, uint16(n))
	_ = w.b.PutUint16(cycleCounter)
	_ = w.b.PutUint8(dataStatus)
	_ = w.b.PutUint8(transferStatus)
	return FinishFrame(w.b)
}
