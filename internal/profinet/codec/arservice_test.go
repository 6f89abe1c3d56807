package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestARService_ConnectRoundTrip(t *testing.T) {
	id := uuid.New()
	b := NewBuilder(make([]byte, MaxFrameLen))
	w, err := StartARService(&b, testDst, testSrc, OpConnect, StatusOK, id, 9)
	require.NoError(t, err)
	require.NoError(t, PutConnectRequest(w.Builder(), "water-rtu-01", ConnectRequest{
		ControllerMAC: testSrc,
		CycleTimeUs:   1000,
		WatchdogMs:    3000,
		VendorID:      0x012a,
		DeviceID:      0x0007,
		OutputFrameID: 0x8000,
		InputFrameID:  0x8001,
		SlotTypes:     []byte{0, 1, 1, 2},
	}))
	require.NoError(t, w.Finish())

	f, err := DecodeFrame(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, ClassARService, f.Class())

	a, err := ParseARService(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, OpConnect, a.Opcode)
	assert.False(t, a.IsResponse())
	assert.Equal(t, [16]byte(id), a.ARUUID)
	assert.Equal(t, uint32(9), a.Sequence)

	req, err := ParseConnectRequest(a.Body)
	require.NoError(t, err)
	assert.Equal(t, "water-rtu-01", string(req.StationName))
	assert.Equal(t, testSrc, req.ControllerMAC)
	assert.Equal(t, uint32(1000), req.CycleTimeUs)
	assert.Equal(t, uint32(3000), req.WatchdogMs)
	assert.Equal(t, uint16(0x012a), req.VendorID)
	assert.Equal(t, uint16(0x8001), req.InputFrameID)
	assert.Equal(t, []byte{0, 1, 1, 2}, req.SlotTypes)
}

func TestARService_ConnectResponse(t *testing.T) {
	b := NewBuilder(make([]byte, 32))
	require.NoError(t, PutConnectResponse(&b, ConnectResponse{InputFrameID: 0x8001, OutputFrameID: 0x8000, SlotTypes: []byte{0, 1, 2}}))
	r, err := ParseConnectResponse(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8001), r.InputFrameID)
	assert.Equal(t, uint16(0x8000), r.OutputFrameID)
	assert.Equal(t, []byte{0, 1, 2}, r.SlotTypes)

	_, err = ParseConnectResponse([]byte{0x80, 0x01, 0x80, 0x00, 9, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPutConnectRequest_RejectsBadNames(t *testing.T) {
	long := make([]byte, MaxStationNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, name := range []string{"", string(long)} {
		b := NewBuilder(make([]byte, 256))
		assert.ErrorIs(t, PutConnectRequest(&b, name, ConnectRequest{}), ErrMalformed)
		assert.Equal(t, 0, b.Len())
	}
}

func TestParseARService_Errors(t *testing.T) {
	_, err := ParseARService(make([]byte, ARServiceHeaderLen-1))
	assert.ErrorIs(t, err, ErrTruncated)

	hdr := make([]byte, ARServiceHeaderLen)
	hdr[ARServiceHeaderLen-1] = 10
	_, err = ParseARService(hdr)
	assert.ErrorIs(t, err, ErrMalformed, "declared body longer than payload")
}

func TestRecords(t *testing.T) {
	b := NewBuilder(make([]byte, 32))
	require.NoError(t, PutRecord(&b, RecordIndexDiagnosis, []byte("ok")))
	r, err := ParseRecord(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, RecordIndexDiagnosis, r.Index)
	assert.Equal(t, []byte("ok"), r.Data)

	_, err = ParseRecord([]byte{0xf0, 0x00, 0x00, 0x08, 'x'})
	assert.ErrorIs(t, err, ErrMalformed)

	b.Reset()
	require.NoError(t, PutReadRequest(&b, RecordIndexAuthority, 64))
	idx, maxLen, err := ParseReadRequest(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, RecordIndexAuthority, idx)
	assert.Equal(t, uint16(64), maxLen)
}

func TestAuthorityRecords(t *testing.T) {
	var req [AuthorityRequestLen]byte
	require.NoError(t, AuthorityRequest{Action: AuthorityActionRequest, Round: 3}.Encode(req[:]))
	gotReq, err := ParseAuthorityRequest(req[:])
	require.NoError(t, err)
	assert.Equal(t, AuthorityRequest{Action: AuthorityActionRequest, Round: 3}, gotReq)

	var ack [AuthorityAckLen]byte
	want := AuthorityAck{Action: AuthorityActionRequest, Granted: true, Round: 3, LastEpoch: 77}
	require.NoError(t, want.Encode(ack[:]))
	gotAck, err := ParseAuthorityAck(ack[:])
	require.NoError(t, err)
	assert.Equal(t, want, gotAck)

	_, err = ParseAuthorityRequest([]byte{9, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)
	ack[1] = 2
	_, err = ParseAuthorityAck(ack[:])
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, AuthorityRequest{}.Encode(make([]byte, 2)), ErrBufferFull)
}
