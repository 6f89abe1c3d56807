package rtusim

import (
	"fmt"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (d *Device) handleService(f codec.Frame) {
	svc, err := codec.ParseARService(f.Payload)
	if err != nil || svc.IsResponse() {
		return
	}
	var (
		status uint8
		body   func(b *codec.Builder) error
	)
	switch svc.Opcode {
	case codec.OpConnect:
		status, body = d.connect(f.Eth.Src, svc)
	case codec.OpRelease:
		status = d.release(svc)
	case codec.OpWrite:
		status, body = d.write(svc)
	case codec.OpRead:
		status, body = d.read(svc)
	default:
		status = codec.StatusBadParameter
	}
	d.respond(f.Eth.Src, svc, status, body)
}

func (d *Device) respond(dst codec.MAC, req codec.ARService, status uint8, body func(b *codec.Builder) error) {
	b := codec.NewBuilder(make([]byte, codec.MaxFrameLen))
	w, err := codec.StartARService(&b, dst, d.MAC(), req.Opcode|codec.OpResponse, status, req.ARUUID, req.Sequence)
	if err != nil {
		return
	}
	if body != nil {
		if err := body(w.Builder()); err != nil {
			d.logger.Warn("response body not built", zap.Error(err))
			return
		}
	}
	if err := w.Finish(); err != nil {
		return
	}
	d.send(b.Bytes())
}

// activeAR returns the session matching id. d.mu must be held.
func (d *Device) activeAR(id [16]byte) *session {
	if d.ar == nil || d.ar.id != id {
		return nil
	}
	return d.ar
}

func (d *Device) connect(src codec.MAC, svc codec.ARService) (uint8, func(*codec.Builder) error) {
	req, err := codec.ParseConnectRequest(svc.Body)
	if err != nil {
		return codec.StatusBadParameter, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if string(req.StationName) != d.name {
		return codec.StatusBadParameter, nil
	}
	if d.faults.RejectConnect {
		return codec.StatusRejected, nil
	}
	if d.ar != nil && d.ar.controller != src {
		return codec.StatusRejected, nil
	}
	if len(req.SlotTypes) != len(d.cfg.Slots) {
		return codec.StatusRejected, nil
	}
	cycle := time.Duration(req.CycleTimeUs) * time.Microsecond
	if cycle < time.Millisecond {
		cycle = time.Millisecond
	}
	d.ar = &session{
		id:            uuid.UUID(svc.ARUUID),
		controller:    src,
		outputFrameID: req.OutputFrameID,
		inputFrameID:  req.InputFrameID,
		cycle:         cycle,
		watchdog:      time.Duration(req.WatchdogMs) * time.Millisecond,
		lastOutput:    time.Now(),
	}
	d.supervised = false
	select {
	case d.arChanged <- struct{}{}:
	default:
	}
	d.logger.Info("AR accepted",
		zap.String("ar", d.ar.id.String()),
		zap.String("controller", src.String()),
		zap.Duration("cycle", cycle),
	)

	layout := d.cfg.Slots
	if d.faults.ReportSlots != nil {
		layout = d.faults.ReportSlots
	}
	slots := make([]byte, len(layout))
	for i, t := range layout {
		slots[i] = byte(t)
	}
	resp := codec.ConnectResponse{
		InputFrameID:  req.InputFrameID,
		OutputFrameID: req.OutputFrameID,
		SlotTypes:     slots,
	}
	return codec.StatusOK, func(b *codec.Builder) error { return codec.PutConnectResponse(b, resp) }
}

func (d *Device) release(svc codec.ARService) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeAR(svc.ARUUID) == nil {
		return codec.StatusUnknownAR
	}
	d.dropLocked("released by controller")
	return codec.StatusOK
}

// dropLocked ends the AR and returns authority to the device. d.mu must be
// held.
func (d *Device) dropLocked(reason string) {
	if d.ar == nil {
		return
	}
	d.logger.Info("AR ended", zap.String("ar", d.ar.id.String()), zap.String("reason", reason))
	d.ar = nil
	d.supervised = false
}

func (d *Device) write(svc codec.ARService) (uint8, func(*codec.Builder) error) {
	rec, err := codec.ParseRecord(svc.Body)
	if err != nil {
		return codec.StatusBadParameter, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeAR(svc.ARUUID) == nil {
		return codec.StatusUnknownAR, nil
	}
	if rec.Index != codec.RecordIndexAuthority {
		d.records[rec.Index] = append([]byte(nil), rec.Data...)
		return codec.StatusOK, nil
	}

	req, err := codec.ParseAuthorityRequest(rec.Data)
	if err != nil {
		return codec.StatusBadParameter, nil
	}
	ack := codec.AuthorityAck{Action: req.Action, Round: req.Round, LastEpoch: d.gate.Last()}
	switch req.Action {
	case codec.AuthorityActionRequest:
		ack.Granted = !d.faults.DenyAuthority
		d.supervised = ack.Granted
	case codec.AuthorityActionRelease:
		ack.Granted = true
		d.supervised = false
	}
	d.logger.Info("authority record",
		zap.Uint8("action", req.Action),
		zap.Uint32("round", req.Round),
		zap.Bool("granted", ack.Granted),
		zap.Uint32("last_epoch", ack.LastEpoch),
	)
	var raw [codec.AuthorityAckLen]byte
	if err := ack.Encode(raw[:]); err != nil {
		return codec.StatusBadParameter, nil
	}
	return codec.StatusOK, func(b *codec.Builder) error {
		return codec.PutRecord(b, codec.RecordIndexAuthority, raw[:])
	}
}

func (d *Device) read(svc codec.ARService) (uint8, func(*codec.Builder) error) {
	index, maxLen, err := codec.ParseReadRequest(svc.Body)
	if err != nil {
		return codec.StatusBadParameter, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeAR(svc.ARUUID) == nil {
		return codec.StatusUnknownAR, nil
	}
	var data []byte
	switch index {
	case codec.RecordIndexDiagnosis:
		data = []byte(d.diagnosisLocked())
	default:
		stored, ok := d.records[index]
		if !ok {
			return codec.StatusRecordNotFound, nil
		}
		data = stored
	}
	if len(data) > int(maxLen) {
		data = data[:maxLen]
	}
	return codec.StatusOK, func(b *codec.Builder) error { return codec.PutRecord(b, index, data) }
}

func (d *Device) diagnosisLocked() string {
	authority := models.AuthorityAutonomous
	if d.supervised {
		authority = models.AuthoritySupervised
	}
	return fmt.Sprintf("station=%s authority=%s epoch=%d rejected=%d", d.name, authority, d.gate.Last(), d.rejected.Load())
}
