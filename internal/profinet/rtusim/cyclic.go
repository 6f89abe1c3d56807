package rtusim

import (
	"context"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// produce sends cyclic input while an AR exists and drops the AR when the
// controller's output stops for longer than the agreed watchdog.
func (d *Device) produce(ctx context.Context) {
	buf := make([]byte, codec.MaxFrameLen)
	var counter uint16
	for {
		d.mu.Lock()
		ar := d.ar
		d.mu.Unlock()
		if ar == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.arChanged:
				continue
			}
		}

		ticker := time.NewTicker(ar.cycle)
		for active := true; active; {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-d.arChanged:
				active = false
			case now := <-ticker.C:
				frame, ok := d.inputFrame(buf, ar, counter, now)
				if frame == nil {
					active = ok
					continue
				}
				counter++
				d.send(frame)
			}
		}
		ticker.Stop()
	}
}

// inputFrame builds the next input frame for ar. It returns nil with
// ok=false when ar is no longer current.
func (d *Device) inputFrame(buf []byte, ar *session, counter uint16, now time.Time) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ar != ar {
		return nil, false
	}
	if ar.watchdog > 0 && now.Sub(ar.lastOutput) > ar.watchdog {
		d.dropLocked("controller watchdog expired")
		return nil, false
	}
	if d.faults.Silent {
		return nil, true
	}
	malformed := d.faults.MalformedInputs > 0
	if malformed {
		d.faults.MalformedInputs--
	}
	status := codec.DataStatusDefault
	if d.faults.InvalidData {
		status &^= codec.DataStatusValid
	}

	b := codec.NewBuilder(buf)
	w, err := codec.StartCyclic(&b, ar.controller, d.MAC(), ar.inputFrameID)
	if err != nil {
		return nil, true
	}
	for slot, t := range d.cfg.Slots {
		if t != models.SlotSensor {
			continue
		}
		if malformed {
			// Three bytes where the layout demands five.
			err = w.PutBlock(uint8(slot), []byte{0x41, 0xbc, 0x00})
			malformed = false
		} else {
			err = w.PutSensor(uint8(slot), d.sensors[slot])
		}
		if err != nil {
			return nil, true
		}
	}
	if err := w.Finish(counter, status, 0); err != nil {
		return nil, true
	}
	return b.Bytes(), true
}

// handleOutput applies a controller output frame. Outputs take effect only
// while the controller holds authority and only under an epoch newer than
// the last one applied; a repeated epoch is the same write resent.
func (d *Device) handleOutput(f codec.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ar := d.ar
	if ar == nil || f.Eth.Src != ar.controller || f.FrameID != ar.outputFrameID {
		return
	}
	cf, err := codec.ParseCyclic(f.Payload, true)
	if err != nil {
		if d.logRate.Allow() {
			d.logger.Debug("dropping malformed output frame", zap.Error(err))
		}
		return
	}
	ar.lastOutput = time.Now()
	if !d.supervised || cf.Epoch == d.gate.Last() {
		return
	}
	if err := d.gate.Accept(cf.Epoch); err != nil {
		d.rejected.Add(1)
		if d.logRate.Allow() {
			d.logger.Warn("output rejected", zap.Error(err))
		}
		return
	}

	r := cf.Blocks()
	for r.More() {
		blk, err := r.Next()
		if err != nil {
			return
		}
		slot := int(blk.Slot)
		if slot >= len(d.cfg.Slots) || d.cfg.Slots[slot] != models.SlotActuator {
			continue
		}
		out, err := codec.DecodeActuator(blk.Data)
		if err != nil {
			continue
		}
		d.outputs[slot] = out
	}
	d.applied.Add(1)
}
