package ar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// association is the live handle of one AR: its identity on the wire and
// the channel for acyclic services. Requests are serialized; each waits
// for the response carrying its own sequence number and AR UUID.
type association struct {
	params Params
	io     FrameIO
	self   codec.MAC
	logger *zap.Logger

	reqMu sync.Mutex
	seq   atomic.Uint32
}

func opName(op uint8) string {
	switch op &^ codec.OpResponse {
	case codec.OpConnect:
		return "connect"
	case codec.OpRelease:
		return "release"
	case codec.OpWrite:
		return "write"
	case codec.OpRead:
		return "read"
	default:
		return fmt.Sprintf("op%#02x", op)
	}
}

// call sends one service request and waits for its response. body writes
// the request body and may be nil.
func (a *association) call(ctx context.Context, op uint8, body func(b *codec.Builder) error) (codec.ARService, error) {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()

	seq := a.seq.Add(1)
	buf := make([]byte, codec.MaxFrameLen)
	b := codec.NewBuilder(buf)
	w, err := codec.StartARService(&b, a.params.MAC, a.self, op, codec.StatusOK, a.params.ARUUID, seq)
	if err != nil {
		return codec.ARService{}, err
	}
	if body != nil {
		if err := body(w.Builder()); err != nil {
			return codec.ARService{}, err
		}
	}
	if err := w.Finish(); err != nil {
		return codec.ARService{}, err
	}

	sub := a.io.Subscribe(transport.And(transport.FrameID(codec.FrameIDARService), transport.FromMAC(a.params.MAC)), 16)
	defer sub.Close()

	if err := a.io.Send(b.Bytes()); err != nil {
		return codec.ARService{}, fmt.Errorf("send %s: %w", opName(op), err)
	}

	for {
		select {
		case <-ctx.Done():
			return codec.ARService{}, fmt.Errorf("%s: %w", opName(op), ctx.Err())
		case r, ok := <-sub.C:
			if !ok {
				return codec.ARService{}, fmt.Errorf("%s: subscription closed: %w", opName(op), context.Canceled)
			}
			svc, err := codec.ParseARService(r.Frame.Payload)
			if err != nil {
				a.logger.Debug("dropping malformed service frame", zap.Error(err))
				continue
			}
			if !svc.IsResponse() || svc.Opcode != op|codec.OpResponse {
				continue
			}
			if svc.Sequence != seq || svc.ARUUID != a.params.ARUUID {
				a.logger.Debug("discarding unmatched service response",
					zap.String("op", opName(op)),
					zap.Uint32("seq", svc.Sequence),
					zap.Uint32("want_seq", seq),
					zap.String("ar", uuid.UUID(svc.ARUUID).String()),
				)
				continue
			}
			return svc, nil
		}
	}
}

// statusError maps a non-OK service status.
func statusError(op uint8, status uint8) error {
	switch status {
	case codec.StatusOK:
		return nil
	case codec.StatusAuthorityDeny:
		return fmt.Errorf("%s: %w", opName(op), ErrAuthorityDenied)
	case codec.StatusRecordNotFound:
		return fmt.Errorf("%s: %w", opName(op), ErrRecordNotFound)
	default:
		return fmt.Errorf("%s status %d: %w", opName(op), status, ErrServiceRejected)
	}
}

// connect runs the Connect service. A timeout is ErrConnectTimeout; a
// negative response or a slot layout that differs from the request is
// ErrConnectRejected.
func (a *association) connect(ctx context.Context) (codec.ConnectResponse, error) {
	req := a.params.connectRequest(a.self)
	svc, err := a.call(ctx, codec.OpConnect, func(b *codec.Builder) error {
		return codec.PutConnectRequest(b, a.params.StationName, req)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return codec.ConnectResponse{}, fmt.Errorf("%s: %w", a.params.StationName, ErrConnectTimeout)
		}
		return codec.ConnectResponse{}, err
	}
	if svc.Status != codec.StatusOK {
		return codec.ConnectResponse{}, fmt.Errorf("%s status %d: %w", a.params.StationName, svc.Status, ErrConnectRejected)
	}
	resp, err := codec.ParseConnectResponse(svc.Body)
	if err != nil {
		return resp, fmt.Errorf("connect response: %w", err)
	}
	if string(resp.SlotTypes) != string(req.SlotTypes) {
		return resp, fmt.Errorf("device reports slot layout %v, configured %v: %w", resp.SlotTypes, req.SlotTypes, ErrConnectRejected)
	}
	return resp, nil
}

// release ends the AR on the device. Errors are returned for logging only.
func (a *association) release(ctx context.Context) error {
	svc, err := a.call(ctx, codec.OpRelease, nil)
	if err != nil {
		return err
	}
	return statusError(codec.OpRelease, svc.Status)
}

// readRecord reads up to maxLen bytes of record index.
func (a *association) readRecord(ctx context.Context, index, maxLen uint16) ([]byte, error) {
	svc, err := a.call(ctx, codec.OpRead, func(b *codec.Builder) error {
		return codec.PutReadRequest(b, index, maxLen)
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(codec.OpRead, svc.Status); err != nil {
		return nil, fmt.Errorf("record %#04x: %w", index, err)
	}
	rec, err := codec.ParseRecord(svc.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if rec.Index != index {
		return nil, fmt.Errorf("read response for record %#04x, want %#04x: %w", rec.Index, index, codec.ErrMalformed)
	}
	return append([]byte(nil), rec.Data...), nil
}

// writeRecord writes record index and returns the response record data,
// which is empty for most records.
func (a *association) writeRecord(ctx context.Context, index uint16, data []byte) ([]byte, error) {
	svc, err := a.call(ctx, codec.OpWrite, func(b *codec.Builder) error {
		return codec.PutRecord(b, index, data)
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(codec.OpWrite, svc.Status); err != nil {
		return nil, fmt.Errorf("record %#04x: %w", index, err)
	}
	if len(svc.Body) == 0 {
		return nil, nil
	}
	rec, err := codec.ParseRecord(svc.Body)
	if err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return append([]byte(nil), rec.Data...), nil
}

// ExchangeAuthority implements authority.Exchanger over record 0xF100.
func (a *association) ExchangeAuthority(ctx context.Context, req codec.AuthorityRequest) (codec.AuthorityAck, error) {
	var raw [codec.AuthorityRequestLen]byte
	if err := req.Encode(raw[:]); err != nil {
		return codec.AuthorityAck{}, err
	}
	resp, err := a.writeRecord(ctx, codec.RecordIndexAuthority, raw[:])
	if err != nil {
		return codec.AuthorityAck{}, err
	}
	return codec.ParseAuthorityAck(resp)
}

// frameIDs hands out cyclic frame ids in output/input pairs.
type frameIDs struct {
	mu   sync.Mutex
	used map[uint16]bool
}

func (f *frameIDs) alloc() (out, in uint16, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used == nil {
		f.used = make(map[uint16]bool)
	}
	for id := uint32(codec.FrameIDCyclicFirst); id+1 <= uint32(codec.FrameIDCyclicLast); id += 2 {
		if !f.used[uint16(id)] {
			f.used[uint16(id)] = true
			return uint16(id), uint16(id + 1), true
		}
	}
	return 0, 0, false
}

func (f *frameIDs) free(out uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.used, out)
}
