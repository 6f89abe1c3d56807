// Package codec builds and parses PROFINET wire frames: Ethernet with optional
// 802.1Q tag, DCP service blocks, cyclic RT PDUs and AR service PDUs.
//
// Everything here works on caller-owned buffers. Builders never grow their
// buffer and parsers never read past the slice they were given, so the
// functions are safe to call from the cyclic loop without allocating.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

// Codec errors. They are returned unwrapped so the hot path never allocates.
var (
	ErrBufferFull  = errors.New("codec: buffer full")
	ErrTruncated   = errors.New("codec: truncated")
	ErrMalformed   = errors.New("codec: malformed")
	ErrNotProfinet = errors.New("codec: not a profinet frame")
)

// Builder writes big-endian fields into a fixed-capacity buffer.
// A write that does not fit fails with ErrBufferFull and leaves the
// cursor untouched.
type Builder struct {
	buf []byte
	n   int
}

// NewBuilder returns a Builder whose capacity is len(buf).
func NewBuilder(buf []byte) Builder {
	return Builder{buf: buf}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return b.n }

// Cap returns the total capacity of the underlying buffer.
func (b *Builder) Cap() int { return len(b.buf) }

// Remaining returns how many more bytes fit.
func (b *Builder) Remaining() int { return len(b.buf) - b.n }

// Bytes returns the written portion of the buffer.
func (b *Builder) Bytes() []byte { return b.buf[:b.n] }

// Reset rewinds the cursor to the start of the buffer.
func (b *Builder) Reset() { b.n = 0 }

func (b *Builder) take(n int) ([]byte, error) {
	if n < 0 || n > b.Remaining() {
		return nil, ErrBufferFull
	}
	s := b.buf[b.n : b.n+n]
	b.n += n
	return s, nil
}

// PutUint8 appends one byte.
func (b *Builder) PutUint8(v uint8) error {
	s, err := b.take(1)
	if err != nil {
		return err
	}
	s[0] = v
	return nil
}

// PutUint16 appends a big-endian uint16.
func (b *Builder) PutUint16(v uint16) error {
	s, err := b.take(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(s, v)
	return nil
}

// PutUint32 appends a big-endian uint32.
func (b *Builder) PutUint32(v uint32) error {
	s, err := b.take(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(s, v)
	return nil
}

// PutFloat32 appends an IEEE-754 float in big-endian byte order.
func (b *Builder) PutFloat32(v float32) error {
	return b.PutUint32(math.Float32bits(v))
}

// PutBytes appends p verbatim.
func (b *Builder) PutBytes(p []byte) error {
	s, err := b.take(len(p))
	if err != nil {
		return err
	}
	copy(s, p)
	return nil
}

// PutString appends the bytes of s verbatim.
func (b *Builder) PutString(s string) error {
	d, err := b.take(len(s))
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// PutZeros appends n zero bytes.
func (b *Builder) PutZeros(n int) error {
	s, err := b.take(n)
	if err != nil {
		return err
	}
	clear(s)
	return nil
}

// PutMAC appends a hardware address.
func (b *Builder) PutMAC(m MAC) error {
	return b.PutBytes(m[:])
}

// Reserve16 appends a placeholder uint16 and returns its offset so it can be
// filled in later with PatchUint16.
func (b *Builder) Reserve16() (int, error) {
	off := b.n
	if err := b.PutUint16(0); err != nil {
		return 0, err
	}
	return off, nil
}

// PatchUint16 overwrites a previously written uint16 at off.
func (b *Builder) PatchUint16(off int, v uint16) error {
	if off < 0 || off+2 > b.n {
		return ErrBufferFull
	}
	binary.BigEndian.PutUint16(b.buf[off:], v)
	return nil
}

// PadTo appends zero bytes until Len is at least n.
func (b *Builder) PadTo(n int) error {
	if b.n >= n {
		return nil
	}
	return b.PutZeros(n - b.n)
}

// Parser reads big-endian fields from an immutable buffer.
// Fixed-size reads past the end fail with ErrTruncated; a declared length
// larger than what is left fails with ErrMalformed.
type Parser struct {
	buf []byte
	off int
}

// NewParser returns a Parser over buf.
func NewParser(buf []byte) Parser {
	return Parser{buf: buf}
}

// Offset returns the number of bytes consumed.
func (p *Parser) Offset() int { return p.off }

// Remaining returns the number of unread bytes.
func (p *Parser) Remaining() int { return len(p.buf) - p.off }

// Rest returns the unread bytes without consuming them.
func (p *Parser) Rest() []byte { return p.buf[p.off:len(p.buf):len(p.buf)] }

func (p *Parser) next(n int) ([]byte, error) {
	if n < 0 || n > p.Remaining() {
		return nil, ErrTruncated
	}
	s := p.buf[p.off : p.off+n : p.off+n]
	p.off += n
	return s, nil
}

// Uint8 reads one byte.
func (p *Parser) Uint8() (uint8, error) {
	s, err := p.next(1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

// Uint16 reads a big-endian uint16.
func (p *Parser) Uint16() (uint16, error) {
	s, err := p.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

// Peek16 returns the next big-endian uint16 without consuming it.
func (p *Parser) Peek16() (uint16, error) {
	if p.Remaining() < 2 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint16(p.buf[p.off:]), nil
}

// Uint32 reads a big-endian uint32.
func (p *Parser) Uint32() (uint32, error) {
	s, err := p.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

// Float32 reads a big-endian IEEE-754 float.
func (p *Parser) Float32() (float32, error) {
	v, err := p.Uint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Bytes reads exactly n bytes of a fixed-size field. The returned slice
// aliases the parser's buffer.
func (p *Parser) Bytes(n int) ([]byte, error) {
	return p.next(n)
}

// MAC reads a hardware address.
func (p *Parser) MAC() (MAC, error) {
	var m MAC
	s, err := p.next(len(m))
	if err != nil {
		return m, err
	}
	copy(m[:], s)
	return m, nil
}

// Skip discards n bytes.
func (p *Parser) Skip(n int) error {
	_, err := p.next(n)
	return err
}

// Block reads n bytes whose length was declared by the peer. Unlike Bytes it
// reports ErrMalformed when the declaration overruns the buffer.
func (p *Parser) Block(n int) ([]byte, error) {
	if n < 0 || n > p.Remaining() {
		return nil, ErrMalformed
	}
	return p.next(n)
}

// Sub consumes n declared bytes and returns a Parser bounded to them.
func (p *Parser) Sub(n int) (Parser, error) {
	s, err := p.Block(n)
	if err != nil {
		return Parser{}, err
	}
	return NewParser(s), nil
}
