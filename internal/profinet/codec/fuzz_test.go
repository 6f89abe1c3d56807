package codec

import (
	"errors"
	"math/rand"
	"testing"
)

// checkParseErr fails unless err is nil or one of the parser errors.
func checkParseErr(t *testing.T, err error) {
	t.Helper()
	if err == nil || errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrNotProfinet) {
		return
	}
	t.Fatalf("unexpected error %v", err)
}

// parseAll walks every parser reachable from raw.
func parseAll(t *testing.T, raw []byte) {
	t.Helper()
	f, err := DecodeFrame(raw)
	checkParseErr(t, err)
	if err != nil {
		return
	}
	switch f.Class() {
	case ClassCyclic:
		for _, output := range []bool{false, true} {
			c, err := ParseCyclic(f.Payload, output)
			checkParseErr(t, err)
			if err != nil {
				continue
			}
			r := c.Blocks()
			for r.More() {
				blk, err := r.Next()
				checkParseErr(t, err)
				if err != nil {
					break
				}
				_, err = DecodeSensor(blk.Data)
				checkParseErr(t, err)
				_, err = DecodeActuator(blk.Data)
				checkParseErr(t, err)
			}
		}
	case ClassARService:
		a, err := ParseARService(f.Payload)
		checkParseErr(t, err)
		if err != nil {
			return
		}
		_, err = ParseConnectRequest(a.Body)
		checkParseErr(t, err)
		_, err = ParseConnectResponse(a.Body)
		checkParseErr(t, err)
		rec, err := ParseRecord(a.Body)
		checkParseErr(t, err)
		if err == nil {
			_, err = ParseAuthorityAck(rec.Data)
			checkParseErr(t, err)
			_, err = ParseAuthorityRequest(rec.Data)
			checkParseErr(t, err)
		}
	case ClassDCP:
		p := NewParser(f.Payload)
		h, err := ParseDCPHeader(&p)
		checkParseErr(t, err)
		if err != nil {
			return
		}
		blocks, err := p.Sub(int(h.DataLength))
		checkParseErr(t, err)
		if err != nil {
			return
		}
		for blocks.Remaining() > 0 {
			blk, err := ParseDCPBlock(&blocks)
			checkParseErr(t, err)
			if err != nil {
				return
			}
			_, _, err = SplitBlockInfo(blk.Data)
			checkParseErr(t, err)
		}
	}
}

func seedFrames(f *testing.F) {
	f.Add(serializeSeed(FrameIDDCPIdentResp, []byte{5, 1, 0, 0, 0, 1, 0, 0, 0, 4, 2, 2, 0, 0}))
	f.Add(serializeSeed(0x8001, []byte{0, 7, 1, 5, 0x41, 0xbc, 0, 0, 0, 0, 1, 0x35, 0}))
	f.Add(serializeSeed(FrameIDARService, make([]byte, ARServiceHeaderLen)))
	f.Add([]byte{})
	f.Add(append(make([]byte, 12), 0x81, 0x00, 0x00, 0x00, 0x81, 0x00))
}

func serializeSeed(frameID uint16, payload []byte) []byte {
	b := NewBuilder(make([]byte, MaxFrameLen))
	_ = StartFrame(&b, testDst, testSrc, frameID)
	_ = b.PutBytes(payload)
	_ = FinishFrame(&b)
	return append([]byte(nil), b.Bytes()...)
}

func FuzzDecodeFrame(f *testing.F) {
	seedFrames(f)
	f.Fuzz(func(t *testing.T, raw []byte) {
		parseAll(t, raw)
	})
}

func FuzzParseDCPBlock(f *testing.F) {
	f.Add([]byte{2, 2, 0, 3, 'a', 'b', 'c', 0})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, raw []byte) {
		p := NewParser(raw)
		for p.Remaining() > 0 {
			before := p.Remaining()
			_, err := ParseDCPBlock(&p)
			checkParseErr(t, err)
			if err != nil {
				return
			}
			if p.Remaining() >= before {
				t.Fatal("parser did not advance")
			}
		}
	})
}

func TestRandomFramesNeverPanic(t *testing.T) {
	rng := rand.New(rand.NewSource(8892))
	buf := make([]byte, MaxFrameLen)
	prefixes := [][]byte{
		serializeSeed(FrameIDDCPIdentResp, nil)[:16],
		serializeSeed(0x8001, nil)[:16],
		serializeSeed(FrameIDARService, nil)[:16],
	}
	for i := 0; i < 20000; i++ {
		n := rng.Intn(len(buf))
		raw := buf[:n]
		rng.Read(raw)
		if pfx := prefixes[i%len(prefixes)]; n > len(pfx) && i%4 != 0 {
			copy(raw, pfx)
		}
		parseAll(t, raw)
	}
}
