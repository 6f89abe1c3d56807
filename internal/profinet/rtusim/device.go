// Package rtusim is a software RTU: it answers DCP, accepts one AR from a
// controller, produces cyclic sensor input and applies epoch-gated actuator
// output. It backs the end-to-end tests and the simulate command.
package rtusim

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/authority"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config describes the simulated station.
type Config struct {
	StationName   string
	TypeOfStation string
	IP            netip.Addr
	Mask          netip.Addr
	Gateway       netip.Addr
	VendorID      uint16
	DeviceID      uint16
	Slots         []models.SlotType
}

// Faults alters the device's behavior for tests.
type Faults struct {
	// Silent stops cyclic input.
	Silent bool
	// MalformedInputs is how many of the next input frames carry a short
	// sensor block.
	MalformedInputs int
	// InvalidData clears the valid bit in the input data status.
	InvalidData   bool
	RejectConnect bool
	DenyAuthority bool
	IgnoreDCP     bool
	// ReportSlots, when set, replaces the layout echoed in Connect
	// responses.
	ReportSlots []models.SlotType
}

// session is the AR the device currently serves.
type session struct {
	id            uuid.UUID
	controller    codec.MAC
	outputFrameID uint16
	inputFrameID  uint16
	cycle         time.Duration
	watchdog      time.Duration
	lastOutput    time.Time
}

// Device is a simulated RTU attached to a link.
type Device struct {
	link    transport.Link
	logger  *zap.Logger
	logRate *rate.Limiter
	cfg     Config
	gate    authority.Gate

	writeMu sync.Mutex

	mu         sync.Mutex
	name       string
	ip         netip.Addr
	mask       netip.Addr
	gateway    netip.Addr
	ar         *session
	supervised bool
	sensors    []models.SensorSample
	outputs    []models.ActuatorOutput
	records    map[uint16][]byte
	faults     Faults
	signals    int
	arChanged  chan struct{}

	rejected atomic.Uint64
	applied  atomic.Uint64
}

// New returns a device on link. Sensors start at 0.0 GOOD.
func New(link transport.Link, cfg Config, logger *zap.Logger) *Device {
	if len(cfg.Slots) == 0 {
		cfg.Slots = []models.SlotType{models.SlotDAP, models.SlotSensor}
	}
	if cfg.TypeOfStation == "" {
		cfg.TypeOfStation = "pnvantage-rtusim"
	}
	n := len(cfg.Slots)
	return &Device{
		link:      link,
		logger:    logger.Named("rtusim").With(zap.String("station", cfg.StationName)),
		logRate:   rate.NewLimiter(rate.Every(time.Second), 3),
		cfg:       cfg,
		name:      cfg.StationName,
		ip:        cfg.IP,
		mask:      cfg.Mask,
		gateway:   cfg.Gateway,
		sensors:   make([]models.SensorSample, n),
		outputs:   make([]models.ActuatorOutput, n),
		records:   make(map[uint16][]byte),
		arChanged: make(chan struct{}, 1),
	}
}

// MAC returns the device's hardware address.
func (d *Device) MAC() codec.MAC { return d.link.HardwareAddr() }

// Name returns the current NameOfStation.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// IP returns the current IP address.
func (d *Device) IP() netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

// SetSensor sets the value reported for a sensor slot.
func (d *Device) SetSensor(slot int, s models.SensorSample) error {
	if slot < 0 || slot >= len(d.cfg.Slots) || d.cfg.Slots[slot] != models.SlotSensor {
		return errors.New("rtusim: not a sensor slot")
	}
	d.mu.Lock()
	d.sensors[slot] = s
	d.mu.Unlock()
	return nil
}

// Output returns the last applied output of an actuator slot.
func (d *Device) Output(slot int) models.ActuatorOutput {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slot < 0 || slot >= len(d.outputs) {
		return models.ActuatorOutput{}
	}
	return d.outputs[slot]
}

// Supervised reports whether the controller holds actuator authority.
func (d *Device) Supervised() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supervised
}

// Connected reports whether an AR is established.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ar != nil
}

// LastEpoch returns the highest output epoch accepted.
func (d *Device) LastEpoch() uint32 { return d.gate.Last() }

// Rejected returns how many output frames carried a replayed epoch.
func (d *Device) Rejected() uint64 { return d.rejected.Load() }

// Signals returns how many DCP Signal requests were received.
func (d *Device) Signals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals
}

// SetFaults changes fault injection.
func (d *Device) SetFaults(fn func(f *Faults)) {
	d.mu.Lock()
	fn(&d.faults)
	d.mu.Unlock()
}

func (d *Device) send(frame []byte) {
	d.writeMu.Lock()
	err := d.link.WriteFrame(frame)
	d.writeMu.Unlock()
	if err != nil && d.logRate.Allow() {
		d.logger.Warn("write failed", zap.Error(err))
	}
}

// Run serves the link until ctx is cancelled or the link is closed.
func (d *Device) Run(ctx context.Context) error {
	d.logger.Info("simulated RTU started", zap.String("mac", d.MAC().String()), zap.Int("slots", len(d.cfg.Slots)))

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.produce(ctx)
	}()

	buf := make([]byte, codec.MaxFrameLen+codec.VLANTagLen)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := d.link.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			continue
		}
		d.handle(buf[:n])
	}
}

func (d *Device) handle(raw []byte) {
	f, err := codec.DecodeFrame(raw)
	if err != nil {
		return
	}
	self := d.MAC()
	if f.Eth.Dst != self && !f.Eth.Dst.IsMulticast() {
		return
	}
	switch f.Class() {
	case codec.ClassDCP:
		d.handleDCP(f)
	case codec.ClassARService:
		if f.Eth.Dst == self {
			d.handleService(f)
		}
	case codec.ClassCyclic:
		if f.Eth.Dst == self {
			d.handleOutput(f)
		}
	}
}
