package ar

import (
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// inputState validates cyclic input against the configured slot layout
// and remembers the last published sample per slot.
type inputState struct {
	slots   []models.SlotType
	seen    []bool
	samples []models.SensorSample
	last    []models.SensorSample
	have    []bool
}

func newInputState(slots []models.SlotType) *inputState {
	n := len(slots)
	return &inputState{
		slots:   slots,
		seen:    make([]bool, n),
		samples: make([]models.SensorSample, n),
		last:    make([]models.SensorSample, n),
		have:    make([]bool, n),
	}
}

// decode checks one input frame. Every sensor slot must appear exactly
// once with a 5-byte sample; anything else is codec.ErrMalformed.
func (s *inputState) decode(payload []byte) (codec.CyclicFrame, error) {
	cf, err := codec.ParseCyclic(payload, false)
	if err != nil {
		if errors.Is(err, codec.ErrTruncated) {
			return cf, fmt.Errorf("input frame: %w: %w", codec.ErrMalformed, err)
		}
		return cf, fmt.Errorf("input frame: %w", err)
	}
	clear(s.seen)
	r := cf.Blocks()
	for r.More() {
		blk, err := r.Next()
		if err != nil {
			return cf, fmt.Errorf("io block: %w", err)
		}
		slot := int(blk.Slot)
		if slot >= len(s.slots) || s.slots[slot] != models.SlotSensor || s.seen[slot] {
			return cf, fmt.Errorf("unexpected block for slot %d: %w", slot, codec.ErrMalformed)
		}
		sample, err := codec.DecodeSensor(blk.Data)
		if err != nil {
			return cf, fmt.Errorf("slot %d length %d: %w", slot, len(blk.Data), err)
		}
		if !sample.Quality.Valid() {
			return cf, fmt.Errorf("slot %d quality %#02x: %w", slot, uint8(sample.Quality), codec.ErrMalformed)
		}
		s.seen[slot] = true
		s.samples[slot] = sample
	}
	for i, t := range s.slots {
		if t == models.SlotSensor && !s.seen[i] {
			return cf, fmt.Errorf("slot %d missing: %w", i, codec.ErrMalformed)
		}
	}
	return cf, nil
}

// exchange runs the cyclic loop of a CONNECTED AR. Each tick sends one
// output frame and checks the watchdog; each valid input frame refreshes
// the registry and resets the watchdog and the malformed counter.
func (c *connection) exchange(a *association, inputs *transport.Subscription, inputID uint16) (bool, error) {
	name := c.d.rec.Name()
	ticker := time.NewTicker(c.m.cfg.CycleTime)
	defer ticker.Stop()

	in := newInputState(a.params.Slots)
	buf := make([]byte, codec.MaxFrameLen)
	lastValid := time.Now()
	malformed := 0
	running := false
	var counter uint16

	for {
		select {
		case <-c.ctx.Done():
			return running, c.ctx.Err()

		case now := <-ticker.C:
			if now.Sub(lastValid) > c.m.cfg.Watchdog {
				return running, fmt.Errorf("no valid input for %s: %w", c.m.cfg.Watchdog, ErrWatchdogExpired)
			}
			counter++
			if err := c.sendOutput(a, buf, counter); err != nil && c.logRate.Allow() {
				c.logger.Warn("output frame not sent", zap.Error(err))
			}

		case r, ok := <-inputs.C:
			if !ok {
				return running, c.ctx.Err()
			}
			if r.Frame.FrameID != inputID {
				continue
			}
			cf, err := in.decode(r.Frame.Payload)
			if err != nil {
				malformed++
				c.m.metrics.MalformedFrames.WithLabelValues(name).Inc()
				if c.logRate.Allow() {
					c.logger.Warn("dropping malformed input frame", zap.Int("consecutive", malformed), zap.Error(err))
				}
				if malformed >= maxConsecutiveMalformed {
					return running, fmt.Errorf("%d consecutive malformed input frames: %w", malformed, err)
				}
				continue
			}
			malformed = 0
			if !cf.Valid() {
				continue
			}
			lastValid = time.Now()
			c.applyInput(in, r.At)
			if !running {
				if _, err := c.m.fire(c.d, triggerFirstInput, nil); err != nil {
					return running, err
				}
				running = true
			}
		}
	}
}

func (c *connection) applyInput(in *inputState, at time.Time) {
	name := c.d.rec.Name()
	for i, t := range in.slots {
		if t != models.SlotSensor {
			continue
		}
		s := in.samples[i]
		if err := c.d.rec.UpdateSensor(i, s, at); err != nil {
			if c.logRate.Allow() {
				c.logger.Warn("sensor sample not recorded", zap.Int("slot", i), zap.Error(err))
			}
			continue
		}
		if in.have[i] && in.last[i] == s {
			continue
		}
		in.have[i] = true
		in.last[i] = s
		c.m.publish(event.TopicDeviceSample, SampleUpdate{Station: name, Slot: i, Sample: s, At: at})
	}
}

// sendOutput writes one output frame. The epoch and the staged actuator
// outputs are read together, so a value never goes out under an epoch
// older than the write that staged it. Outside SUPERVISED no actuator
// block is sent.
func (c *connection) sendOutput(a *association, buf []byte, counter uint16) error {
	state, epoch, staged := c.d.outputs()
	b := codec.NewBuilder(buf)
	w, err := codec.StartCyclic(&b, a.params.MAC, a.self, a.params.OutputFrameID)
	if err != nil {
		return err
	}
	if err := w.PutEpoch(epoch); err != nil {
		return err
	}
	status := codec.DataStatusPrimary | codec.DataStatusRun | codec.DataStatusNormal
	if state == models.AuthoritySupervised {
		for slot, t := range a.params.Slots {
			if t != models.SlotActuator {
				continue
			}
			out, ok := staged[slot]
			if !ok {
				continue
			}
			if err := w.PutActuator(uint8(slot), out); err != nil {
				return err
			}
		}
		status |= codec.DataStatusValid
	}
	if err := w.Finish(counter, status, 0); err != nil {
		return err
	}
	return c.m.io.Send(b.Bytes())
}
