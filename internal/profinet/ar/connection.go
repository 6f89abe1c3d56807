package ar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxConsecutiveMalformed cyclic frames fail a RUNNING connection.
const maxConsecutiveMalformed = 3

// maxReleaseWait bounds best-effort release of an AR the device may no
// longer answer for.
const maxReleaseWait = time.Second

// connection drives one device from DISCOVERY until it is back OFFLINE,
// including bounded reconnects.
type connection struct {
	m       *Manager
	d       *device
	logger  *zap.Logger
	logRate *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(m *Manager, d *device) *connection {
	ctx, cancel := context.WithCancel(m.ctx)
	return &connection{
		m:       m,
		d:       d,
		logger:  m.logger.With(zap.String("station", d.rec.Name())),
		logRate: rate.NewLimiter(rate.Every(time.Second), 3),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (c *connection) run() {
	defer c.exit()
	failures := 0
	for {
		running, err := c.attempt()
		if c.ctx.Err() != nil {
			return
		}
		if running {
			failures = 0
		}
		if failures >= c.m.cfg.ReconnectAttempts {
			c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", failures), zap.Error(err))
			return
		}
		failures++
		c.m.metrics.Reconnects.WithLabelValues(c.d.rec.Name()).Inc()
		delay := c.m.cfg.backoff(failures)
		c.logger.Info("reconnecting", zap.Int("attempt", failures), zap.Duration("backoff", delay))
		if !c.sleep(delay) {
			return
		}
		if _, err := c.m.fire(c.d, triggerRetry, nil); err != nil {
			return
		}
	}
}

func (c *connection) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// exit moves the device to OFFLINE through DISCONNECT and detaches the
// connection.
func (c *connection) exit() {
	if c.d.rec.ConnectionState() != models.ConnectionDisconnect {
		_, _ = c.m.fire(c.d, triggerDisconnect, nil)
	}
	c.d.auth.Drop()
	c.d.rec.ClearSamples()

	c.d.mu.Lock()
	from, to, err := c.m.fireLocked(c.d, triggerReleased, nil)
	c.d.conn = nil
	c.d.mu.Unlock()
	if err == nil {
		c.m.announce(c.d, from, to, nil)
	}
	c.cancel()
	close(c.done)
}

// attempt runs one pass of DISCOVERY, CONNECTING, CONNECTED and RUNNING.
// It reports whether RUNNING was reached and the error that ended it.
func (c *connection) attempt() (bool, error) {
	params, err := c.resolve()
	if err != nil {
		c.teardown(nil, err)
		return false, err
	}
	out, in, ok := c.m.ids.alloc()
	if !ok {
		err := fmt.Errorf("no free cyclic frame ids: %w", ErrConnectRejected)
		c.teardown(nil, err)
		return false, err
	}
	defer c.m.ids.free(out)
	params.OutputFrameID = out
	params.InputFrameID = in
	params.ARUUID = uuid.New()

	if _, err := c.m.fire(c.d, triggerResolved, nil); err != nil {
		return false, err
	}

	a := &association{
		params: params,
		io:     c.m.io,
		self:   c.m.io.HardwareAddr(),
		logger: c.logger,
	}
	inputs := c.m.io.Subscribe(transport.And(
		transport.FrameIDRange(codec.FrameIDCyclicFirst, codec.FrameIDCyclicLast),
		transport.FromMAC(params.MAC),
	), 64)
	defer inputs.Close()

	ctx, cancel := context.WithTimeout(c.ctx, c.m.cfg.ConnectTimeout)
	resp, err := a.connect(ctx)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			err = c.ctx.Err()
		}
		c.teardown(a, err)
		return false, err
	}
	inputID := resp.InputFrameID
	if inputID == 0 {
		inputID = params.InputFrameID
	}

	c.d.setAssociation(a)
	if _, err := c.m.fire(c.d, triggerAccepted, nil); err != nil {
		c.teardown(a, err)
		return false, err
	}
	c.logger.Info("AR established",
		zap.String("ar", params.ARUUID.String()),
		zap.String("mac", params.MAC.String()),
		zap.Uint16("output_frame_id", params.OutputFrameID),
		zap.Uint16("input_frame_id", inputID),
	)

	running, err := c.exchange(a, inputs, inputID)
	c.teardown(a, err)
	return running, err
}

// resolve builds the AR parameters, running name-filtered DCP when the
// device's MAC is not yet known.
func (c *connection) resolve() (Params, error) {
	name := c.d.rec.Name()
	id := c.d.rec.Identity()
	if id.MAC.IsZero() {
		if c.m.resolver == nil {
			return Params{}, fmt.Errorf("%s has no known MAC address: %w", name, ErrConnectTimeout)
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.m.cfg.ConnectTimeout)
		dev, err := c.m.resolver.DiscoverByName(ctx, name)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return Params{}, c.ctx.Err()
			}
			return Params{}, fmt.Errorf("resolve %s: %w: %w", name, ErrConnectTimeout, err)
		}
		err = c.m.reg.UpdateIdentity(c.ctx, name, registry.Identity{
			MAC:      dev.MAC,
			IP:       dev.IP,
			Mask:     dev.Mask,
			Gateway:  dev.Gateway,
			VendorID: dev.VendorID,
			DeviceID: dev.DeviceID,
		})
		if err != nil {
			c.logger.Warn("identity update failed", zap.Error(err))
		}
		id = c.d.rec.Identity()
	}
	return Params{
		StationName: name,
		MAC:         id.MAC,
		VendorID:    id.VendorID,
		DeviceID:    id.DeviceID,
		Slots:       c.d.rec.SlotTypes(),
		CycleTime:   c.m.cfg.CycleTime,
		Watchdog:    c.m.cfg.Watchdog,
	}, nil
}

// teardown leaves the current attempt. A cancelled connection goes to
// DISCONNECT and hands authority back over the AR; a failure goes to
// ERROR. Either way the AR is released best-effort.
func (c *connection) teardown(a *association, cause error) {
	if c.ctx.Err() != nil {
		_, _ = c.m.fire(c.d, triggerDisconnect, nil)
		if a != nil && c.d.auth.Supervised() {
			ctx, cancel := context.WithTimeout(context.Background(), c.releaseWait())
			_ = c.d.auth.Release(ctx, a)
			cancel()
		}
	} else {
		if errors.Is(cause, ErrWatchdogExpired) {
			c.m.metrics.WatchdogExpiries.WithLabelValues(c.d.rec.Name()).Inc()
		}
		_, _ = c.m.fire(c.d, triggerFault, cause)
	}
	c.d.setAssociation(nil)
	c.d.auth.Drop()
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.releaseWait())
	defer cancel()
	if err := a.release(ctx); err != nil {
		c.logger.Debug("AR release not acknowledged", zap.Error(err))
	}
}

func (c *connection) releaseWait() time.Duration {
	return min(c.m.cfg.ConnectTimeout, maxReleaseWait)
}
