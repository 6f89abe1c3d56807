package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_BufferFullLeavesCursor(t *testing.T) {
	buf := make([]byte, 5)
	b := NewBuilder(buf)

	require.NoError(t, b.PutUint16(0x1234))
	require.NoError(t, b.PutUint8(0x56))

	err := b.PutUint32(0xdeadbeef)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 3, b.Len(), "failed write must not move the cursor")

	require.NoError(t, b.PutUint16(0x789a))
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78, 0x9a}, b.Bytes())
	assert.ErrorIs(t, b.PutUint8(0), ErrBufferFull)
}

func TestBuilder_PatchUint16(t *testing.T) {
	b := NewBuilder(make([]byte, 8))
	off, err := b.Reserve16()
	require.NoError(t, err)
	require.NoError(t, b.PutBytes([]byte{1, 2, 3}))
	require.NoError(t, b.PatchUint16(off, 3))
	assert.Equal(t, []byte{0, 3, 1, 2, 3}, b.Bytes())

	assert.ErrorIs(t, b.PatchUint16(4, 1), ErrBufferFull, "patch past written region")
	assert.ErrorIs(t, b.PatchUint16(-1, 1), ErrBufferFull)
}

func TestBuilder_PadTo(t *testing.T) {
	b := NewBuilder(make([]byte, MinFrameLen))
	require.NoError(t, b.PutUint8(0xff))
	require.NoError(t, b.PadTo(MinFrameLen))
	assert.Equal(t, MinFrameLen, b.Len())

	small := NewBuilder(make([]byte, 10))
	assert.ErrorIs(t, small.PadTo(MinFrameLen), ErrBufferFull)
}

func TestParser_FixedReadsTruncate(t *testing.T) {
	p := NewParser([]byte{0x01, 0x02, 0x03})

	v, err := p.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v)

	_, err = p.Uint16()
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 1, p.Remaining(), "failed read must not consume")

	_, err = p.Uint32()
	assert.ErrorIs(t, err, ErrTruncated)
	_, err = p.MAC()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParser_DeclaredLengthMalformed(t *testing.T) {
	p := NewParser([]byte{0xaa, 0xbb, 0xcc})

	_, err := p.Block(4)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = p.Sub(10)
	assert.ErrorIs(t, err, ErrMalformed)

	sub, err := p.Sub(2)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Remaining())
	assert.Equal(t, 1, p.Remaining())

	_, err = sub.Uint32()
	assert.ErrorIs(t, err, ErrTruncated, "sub-parser must not read into parent bytes")
}

func TestParser_BytesAreCapped(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	p := NewParser(buf)
	s, err := p.Bytes(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cap(s), "returned slice must not expose trailing bytes")
}

func TestFloat32RoundTrip(t *testing.T) {
	b := NewBuilder(make([]byte, 4))
	require.NoError(t, b.PutFloat32(23.5))
	assert.Equal(t, []byte{0x41, 0xbc, 0x00, 0x00}, b.Bytes())

	p := NewParser(b.Bytes())
	v, err := p.Float32()
	require.NoError(t, err)
	assert.Equal(t, float32(23.5), v)
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{ErrBufferFull, ErrTruncated, ErrMalformed, ErrNotProfinet}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
