// Package dcp implements the controller side of the Discovery and
// Configuration Protocol: multicast Identify rounds correlated by
// transaction id, and unicast Set requests.
package dcp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Discovery errors.
var (
	ErrNoResponse       = errors.New("dcp: no response")
	ErrResponseMismatch = errors.New("dcp: response does not match request")
	ErrSetRejected      = errors.New("dcp: set rejected by device")
)

// Defaults.
const (
	DefaultWindow     = 1500 * time.Millisecond
	DefaultSetTimeout = 2 * time.Second
)

// Block qualifiers for Set requests.
const (
	QualifierTemporary uint16 = 0x0000
	QualifierPermanent uint16 = 0x0001
)

// FrameIO is the link the client talks through. *transport.Mux satisfies it.
type FrameIO interface {
	HardwareAddr() codec.MAC
	Send(frame []byte) error
	Subscribe(filter transport.Filter, depth int) *transport.Subscription
}

// Client runs DCP exchanges. It is safe for concurrent use; each round
// has its own transaction id and subscription.
type Client struct {
	io         FrameIO
	logger     *zap.Logger
	metrics    *metrics.Metrics
	window     time.Duration
	setTimeout time.Duration
	logRate    *rate.Limiter

	mu      sync.Mutex
	lastXid uint32
}

// Option configures a Client.
type Option func(*Client)

// WithWindow sets how long an Identify round collects responses.
func WithWindow(d time.Duration) Option {
	return func(c *Client) { c.window = d }
}

// WithSetTimeout sets how long a Set waits for its response.
func WithSetTimeout(d time.Duration) Option {
	return func(c *Client) { c.setTimeout = d }
}

// NewClient returns a client. m may be nil.
func NewClient(io FrameIO, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Client {
	if m == nil {
		m = metrics.New(nil)
	}
	c := &Client{
		io:         io,
		logger:     logger.Named("dcp"),
		metrics:    m,
		window:     DefaultWindow,
		setTimeout: DefaultSetTimeout,
		logRate:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) nextXid() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		x := rand.Uint32()
		if x != 0 && x != c.lastXid {
			c.lastXid = x
			return x
		}
	}
}

// responseDelay converts the window to the DCP ResponseDelayFactor, in
// units of 10 ms and clamped to what devices accept.
func responseDelay(window time.Duration) uint16 {
	f := window / (10 * time.Millisecond)
	if f < 1 {
		f = 1
	}
	if f > 6400 {
		f = 6400
	}
	return uint16(f)
}

// DiscoverAll runs one Identify-All round. Zero responses is a valid empty
// result, not an error. If ctx ends early the devices collected so far are
// returned with ctx.Err().
func (c *Client) DiscoverAll(ctx context.Context) ([]Device, error) {
	return c.identify(ctx, "")
}

// DiscoverByName runs a name-filtered Identify and returns the first
// response for name, or ErrNoResponse.
func (c *Client) DiscoverByName(ctx context.Context, name string) (Device, error) {
	if name == "" || len(name) > maxNameOfStation {
		return Device{}, fmt.Errorf("station name %q: %w", name, codec.ErrMalformed)
	}
	devices, err := c.identify(ctx, name)
	if len(devices) > 0 {
		return devices[0], nil
	}
	if err != nil {
		return Device{}, err
	}
	return Device{}, fmt.Errorf("%s: %w", name, ErrNoResponse)
}

func (c *Client) identify(ctx context.Context, name string) ([]Device, error) {
	xid := c.nextXid()
	self := c.io.HardwareAddr()

	b := codec.NewBuilder(make([]byte, codec.MaxFrameLen))
	if err := codec.StartFrame(&b, codec.DCPMulticastMAC, self, codec.FrameIDDCPIdentify); err != nil {
		return nil, err
	}
	w, err := codec.StartDCP(&b, codec.DCPHeader{
		ServiceID:     codec.DCPServiceIdentify,
		ServiceType:   codec.DCPTypeRequest,
		Xid:           xid,
		ResponseDelay: responseDelay(c.window),
	})
	if err != nil {
		return nil, err
	}
	if name == "" {
		err = codec.PutDCPBlock(&b, codec.DCPOptionAll, codec.DCPSubAll, nil)
	} else {
		err = codec.PutDCPBlockString(&b, codec.DCPOptionDeviceProperties, codec.DCPSubDevNameOfStation, name)
	}
	if err != nil {
		return nil, err
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}
	if err := codec.FinishFrame(&b); err != nil {
		return nil, err
	}

	// Subscribe before sending so no early response is missed.
	sub := c.io.Subscribe(transport.FrameID(codec.FrameIDDCPIdentResp), 256)
	defer sub.Close()

	if err := c.io.Send(b.Bytes()); err != nil {
		return nil, fmt.Errorf("send identify: %w", err)
	}
	c.metrics.DiscoveryRounds.Inc()

	timer := time.NewTimer(c.window)
	defer timer.Stop()

	var devices []Device
	seen := make(map[codec.MAC]bool)
	for {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		case <-timer.C:
			c.logger.Debug("identify round complete",
				zap.Uint32("xid", xid),
				zap.String("filter", name),
				zap.Int("devices", len(devices)),
			)
			return devices, nil
		case r, ok := <-sub.C:
			if !ok {
				return devices, nil
			}
			d, err := c.accept(r, xid, self)
			if err != nil {
				continue
			}
			if name != "" && d.StationName != name {
				c.mismatch("identify", r.Frame.Eth.Src, fmt.Errorf("name %q: %w", d.StationName, ErrResponseMismatch))
				continue
			}
			if seen[d.MAC] {
				continue
			}
			seen[d.MAC] = true
			devices = append(devices, d)
			c.metrics.DiscoveryResponses.Inc()
			if name != "" {
				return devices, nil
			}
		}
	}
}

// accept decodes r and checks it belongs to the outstanding round.
func (c *Client) accept(r transport.Received, xid uint32, self codec.MAC) (Device, error) {
	if r.Frame.Eth.Dst != self {
		return Device{}, c.mismatch("identify", r.Frame.Eth.Src, fmt.Errorf("addressed to %s: %w", r.Frame.Eth.Dst, ErrResponseMismatch))
	}
	d, err := ParseIdentifyResponse(r.Frame)
	if err != nil {
		c.metrics.FramesDropped.WithLabelValues("dcp_malformed").Inc()
		if c.logRate.Allow() {
			c.logger.Debug("dropping malformed identify response",
				zap.String("src", r.Frame.Eth.Src.String()),
				zap.Error(err),
			)
		}
		return Device{}, err
	}
	if d.Xid != xid {
		return Device{}, c.mismatch("identify", r.Frame.Eth.Src, fmt.Errorf("xid %#08x, want %#08x: %w", d.Xid, xid, ErrResponseMismatch))
	}
	d.SeenAt = r.At
	return d, nil
}

func (c *Client) mismatch(op string, src codec.MAC, err error) error {
	c.metrics.DiscoveryMismatches.Inc()
	if c.logRate.Allow() {
		c.logger.Warn("discarding dcp response",
			zap.String("op", op),
			zap.String("src", src.String()),
			zap.Error(err),
		)
	}
	return err
}

// SetStationParameter writes one permanent parameter on the device at mac
// and waits for its response.
func (c *Client) SetStationParameter(ctx context.Context, mac codec.MAC, option, suboption uint8, data []byte) error {
	return c.set(ctx, mac, option, suboption, QualifierPermanent, data)
}

// SetName assigns the NameOfStation.
func (c *Client) SetName(ctx context.Context, mac codec.MAC, name string) error {
	if name == "" || len(name) > maxNameOfStation {
		return fmt.Errorf("station name %q: %w", name, codec.ErrMalformed)
	}
	return c.SetStationParameter(ctx, mac, codec.DCPOptionDeviceProperties, codec.DCPSubDevNameOfStation, []byte(name))
}

// SetIP assigns IPv4 address, mask and gateway.
func (c *Client) SetIP(ctx context.Context, mac codec.MAC, ip, mask, gateway netip.Addr) error {
	if !ip.Is4() || !mask.Is4() || !gateway.Is4() {
		return fmt.Errorf("set ip needs IPv4 addresses: %w", codec.ErrMalformed)
	}
	data := make([]byte, 0, 12)
	data = append(data, ip.AsSlice()...)
	data = append(data, mask.AsSlice()...)
	data = append(data, gateway.AsSlice()...)
	return c.SetStationParameter(ctx, mac, codec.DCPOptionIP, codec.DCPSubIPParameter, data)
}

// Signal asks the device to flash its identification LED.
func (c *Client) Signal(ctx context.Context, mac codec.MAC) error {
	return c.set(ctx, mac, codec.DCPOptionControl, codec.DCPSubControlSignal, QualifierTemporary, []byte{0x01, 0x00})
}

func (c *Client) set(ctx context.Context, mac codec.MAC, option, suboption uint8, qualifier uint16, data []byte) error {
	if mac.IsMulticast() || mac.IsZero() {
		return fmt.Errorf("set target %s must be a unicast address: %w", mac, codec.ErrMalformed)
	}
	xid := c.nextXid()
	self := c.io.HardwareAddr()

	b := codec.NewBuilder(make([]byte, codec.MaxFrameLen))
	if err := codec.StartFrame(&b, mac, self, codec.FrameIDDCPGetSet); err != nil {
		return err
	}
	w, err := codec.StartDCP(&b, codec.DCPHeader{
		ServiceID:   codec.DCPServiceSet,
		ServiceType: codec.DCPTypeRequest,
		Xid:         xid,
	})
	if err != nil {
		return err
	}
	if err := codec.PutDCPQualifiedBlock(&b, option, suboption, qualifier, data); err != nil {
		return err
	}
	if err := codec.PutDCPQualifiedBlock(&b, codec.DCPOptionControl, codec.DCPSubControlStop, 0, nil); err != nil {
		return err
	}
	if err := w.Finish(); err != nil {
		return err
	}
	if err := codec.FinishFrame(&b); err != nil {
		return err
	}

	sub := c.io.Subscribe(transport.And(transport.FrameID(codec.FrameIDDCPGetSet), transport.FromMAC(mac)), 16)
	defer sub.Close()

	if err := c.io.Send(b.Bytes()); err != nil {
		return fmt.Errorf("send set: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.setTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("set %d/%d on %s: %w", option, suboption, mac, ErrNoResponse)
			}
			return ctx.Err()
		case r, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("set %d/%d on %s: %w", option, suboption, mac, ErrNoResponse)
			}
			h, blocks, err := decodeResponse(r.Frame)
			if err != nil {
				continue
			}
			if h.ServiceID != codec.DCPServiceSet || h.ServiceType == codec.DCPTypeRequest {
				continue
			}
			if h.Xid != xid {
				_ = c.mismatch("set", mac, fmt.Errorf("xid %#08x, want %#08x: %w", h.Xid, xid, ErrResponseMismatch))
				continue
			}
			if err := setResult(h, blocks); err != nil {
				return err
			}
			c.logger.Info("dcp set applied",
				zap.String("mac", mac.String()),
				zap.Uint8("option", option),
				zap.Uint8("suboption", suboption),
			)
			return nil
		}
	}
}
