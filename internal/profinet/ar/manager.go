// Package ar manages Application Relationships: the per-device connection
// lifecycle, the cyclic I/O loop, acyclic record services and actuator
// authority.
package ar

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/profinet/authority"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// FrameIO is the link the manager talks through. *transport.Mux satisfies it.
type FrameIO interface {
	HardwareAddr() codec.MAC
	Send(frame []byte) error
	Subscribe(filter transport.Filter, depth int) *transport.Subscription
}

// Resolver finds a device's MAC by station name. *dcp.Client satisfies it.
type Resolver interface {
	DiscoverByName(ctx context.Context, name string) (dcp.Device, error)
}

// StateChange is the payload of event.TopicDeviceState.
type StateChange struct {
	Station string                 `json:"station"`
	From    models.ConnectionState `json:"from"`
	To      models.ConnectionState `json:"to"`
	Error   string                 `json:"error,omitempty"`
}

// AuthorityChange is the payload of event.TopicDeviceAuthority.
type AuthorityChange struct {
	Station string                `json:"station"`
	State   models.AuthorityState `json:"state"`
	Epoch   uint32                `json:"epoch"`
}

// SampleUpdate is the payload of event.TopicDeviceSample.
type SampleUpdate struct {
	Station string              `json:"station"`
	Slot    int                 `json:"slot"`
	Sample  models.SensorSample `json:"sample"`
	At      time.Time           `json:"at"`
}

// device is the manager's per-RTU state around a registry record.
type device struct {
	rec  *registry.Record
	auth *authority.Session
	gate authority.Gate

	mu      sync.Mutex
	conn    *connection
	assoc   *association
	lastErr error
	changed chan struct{}
	// wire holds the actuator outputs issued under the current SUPERVISED
	// round. Only these reach the output frame.
	wire map[int]models.ActuatorOutput
}

// stageLocked queues out for the wire. d.mu must be held.
func (d *device) stageLocked(slot int, out models.ActuatorOutput) {
	if d.wire == nil {
		d.wire = make(map[int]models.ActuatorOutput)
	}
	d.wire[slot] = out
}

// outputs returns the authority state, the epoch and a copy of the staged
// actuator outputs, read together.
func (d *device) outputs() (models.AuthorityState, uint32, map[int]models.ActuatorOutput) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, epoch := d.auth.State()
	if state != models.AuthoritySupervised || len(d.wire) == 0 {
		return state, epoch, nil
	}
	return state, epoch, maps.Clone(d.wire)
}

func (d *device) association() (*association, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assoc == nil {
		return nil, fmt.Errorf("%s is %s: %w", d.rec.Name(), d.rec.ConnectionState(), ErrInvalidState)
	}
	return d.assoc, nil
}

func (d *device) setAssociation(a *association) {
	d.mu.Lock()
	d.assoc = a
	d.mu.Unlock()
}

// Manager owns every AR. Each connected device runs its own goroutine; a
// fault on one device never touches another.
type Manager struct {
	io       FrameIO
	reg      *registry.Registry
	resolver Resolver
	bus      event.Publisher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
	ids      frameIDs
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	devices map[string]*device
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets timing and retry policy. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithResolver enables name-filtered DCP for devices without a known MAC.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithBus publishes state, authority and sample events.
func WithBus(bus event.Publisher) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMetrics records into m instead of a private unregistered set.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a manager for the devices in reg.
func NewManager(io FrameIO, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		io:      io,
		reg:     reg,
		logger:  logger.Named("ar"),
		cfg:     DefaultConfig(),
		now:     time.Now,
		devices: make(map[string]*device),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	m.cfg = m.cfg.withDefaults()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// device returns the manager state for name, creating it for records the
// registry already holds.
func (m *Manager) device(name string) (*device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[name]; ok {
		return d, nil
	}
	rec, err := m.reg.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownDevice, err)
	}
	d := &device{rec: rec, changed: make(chan struct{})}
	d.auth = authority.NewSession(m.logger.With(zap.String("station", name)), func(s models.AuthorityState, epoch uint32) {
		rec.SetAuthority(s, epoch)
		d.gate.Raise(epoch)
		if s != models.AuthoritySupervised {
			d.mu.Lock()
			clear(d.wire)
			d.mu.Unlock()
		}
		m.publish(event.TopicDeviceAuthority, AuthorityChange{Station: name, State: s, Epoch: epoch})
	})
	m.devices[name] = d
	m.metrics.SetConnectionState(name, string(rec.ConnectionState()), allStates)
	return d, nil
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(m.ctx, event.Event{
		Topic:     topic,
		Source:    "ar",
		Timestamp: m.now(),
		Payload:   payload,
	})
}

// fireLocked applies t to d's connection state. d.mu must be held.
func (m *Manager) fireLocked(d *device, t trigger, cause error) (from, to models.ConnectionState, err error) {
	from = d.rec.ConnectionState()
	to, err = transition(from, t)
	if err != nil {
		return from, from, err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
		d.lastErr = cause
	}
	d.rec.SetConnectionState(to, msg)
	close(d.changed)
	d.changed = make(chan struct{})
	return from, to, nil
}

func (m *Manager) announce(d *device, from, to models.ConnectionState, cause error) {
	name := d.rec.Name()
	m.metrics.SetConnectionState(name, string(to), allStates)
	change := StateChange{Station: name, From: from, To: to}
	fields := []zap.Field{zap.String("station", name), zap.String("from", string(from)), zap.String("to", string(to))}
	if cause != nil {
		change.Error = cause.Error()
		fields = append(fields, zap.Error(cause))
		m.logger.Warn("connection state changed", fields...)
	} else {
		m.logger.Info("connection state changed", fields...)
	}
	m.publish(event.TopicDeviceState, change)
}

// fire applies t and announces the change.
func (m *Manager) fire(d *device, t trigger, cause error) (models.ConnectionState, error) {
	d.mu.Lock()
	from, to, err := m.fireLocked(d, t, cause)
	d.mu.Unlock()
	if err != nil {
		return from, err
	}
	m.announce(d, from, to, cause)
	return to, nil
}

// AddDevice registers a device and returns its snapshot.
func (m *Manager) AddDevice(ctx context.Context, spec registry.DeviceSpec) (models.RTU, error) {
	rec, err := m.reg.Add(ctx, spec)
	if err != nil {
		return models.RTU{}, err
	}
	if _, err := m.device(rec.Name()); err != nil {
		return models.RTU{}, err
	}
	return rec.Snapshot(), nil
}

// RemoveDevice disconnects and deregisters a device.
func (m *Manager) RemoveDevice(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		return err
	}
	if err := m.reg.Remove(ctx, name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrUnknownDevice, err)
		}
		return err
	}
	m.mu.Lock()
	delete(m.devices, name)
	m.mu.Unlock()
	m.metrics.ForgetStation(name)
	m.publish(event.TopicDeviceRemoved, StateChange{Station: name, To: models.ConnectionOffline})
	return nil
}

// Connect starts the connection lifecycle for name and returns once the
// device has entered DISCOVERY. Use WaitState to follow progress.
func (m *Manager) Connect(_ context.Context, name string) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	if m.ctx.Err() != nil {
		return fmt.Errorf("manager closed: %w", ErrInvalidState)
	}
	d.mu.Lock()
	if d.conn != nil {
		state := d.rec.ConnectionState()
		d.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", name, state, ErrInvalidState)
	}
	from, to, err := m.fireLocked(d, triggerConnect, nil)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.lastErr = nil
	c := newConnection(m, d)
	d.conn = c
	d.mu.Unlock()

	m.announce(d, from, to, nil)
	go c.run()
	return nil
}

// Disconnect cancels any connection attempt or running AR for name and
// returns after its goroutine has exited and the device is OFFLINE.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitState blocks until name is in one of want and returns that state.
func (m *Manager) WaitState(ctx context.Context, name string, want ...models.ConnectionState) (models.ConnectionState, error) {
	d, err := m.device(name)
	if err != nil {
		return "", err
	}
	for {
		d.mu.Lock()
		s := d.rec.ConnectionState()
		ch := d.changed
		d.mu.Unlock()
		if slices.Contains(want, s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// LastError returns the fault that last moved name to ERROR, or nil.
func (m *Manager) LastError(name string) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// WriteActuator records the commanded output for slot. The value is staged
// for the wire only while authority is SUPERVISED; otherwise it stays a
// commanded value and ErrAuthorityDenied is returned.
func (m *Manager) WriteActuator(_ context.Context, name string, slot int, cmd models.Command, duty uint8) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	out := models.ActuatorOutput{Command: cmd, Duty: duty}
	if err := d.rec.SetActuator(slot, out, m.now()); err != nil {
		return fmt.Errorf("%s slot %d: %w", name, slot, err)
	}
	d.mu.Lock()
	epoch, ok := d.auth.NextEpoch()
	if ok {
		d.stageLocked(slot, out)
	}
	d.mu.Unlock()
	if !ok {
		m.metrics.AuthorityDenied.WithLabelValues(name).Inc()
		return fmt.Errorf("%s: %w", name, ErrAuthorityDenied)
	}
	d.gate.Raise(epoch)
	return nil
}

// WriteActuatorEpoch is WriteActuator with a caller-supplied epoch. Outside
// SUPERVISED it returns ErrAuthorityDenied without using the epoch. An
// epoch not newer than every epoch already used is rejected with
// authority.ErrReplayRejected. Nothing is stored on either error.
func (m *Manager) WriteActuatorEpoch(_ context.Context, name string, slot int, cmd models.Command, duty uint8, epoch uint32) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	if t, err := d.rec.SlotType(slot); err != nil || t != models.SlotActuator || !cmd.Valid() {
		return fmt.Errorf("%s slot %d: %w", name, slot, registry.ErrInvalidSlot)
	}
	if !d.auth.Supervised() {
		m.metrics.AuthorityDenied.WithLabelValues(name).Inc()
		return fmt.Errorf("%s: %w", name, ErrAuthorityDenied)
	}
	if err := d.gate.Accept(epoch); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	out := models.ActuatorOutput{Command: cmd, Duty: duty}
	if err := d.rec.SetActuator(slot, out, m.now()); err != nil {
		return fmt.Errorf("%s slot %d: %w", name, slot, err)
	}
	d.mu.Lock()
	ok := d.auth.SubmitEpoch(epoch)
	if ok {
		d.stageLocked(slot, out)
	}
	d.mu.Unlock()
	if !ok {
		m.metrics.AuthorityDenied.WithLabelValues(name).Inc()
		return fmt.Errorf("%s: %w", name, ErrAuthorityDenied)
	}
	return nil
}

func (m *Manager) serviceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.ConnectTimeout)
}

// RequestAuthority asks a RUNNING device to hand over actuator authority.
func (m *Manager) RequestAuthority(ctx context.Context, name string) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	if s := d.rec.ConnectionState(); s != models.ConnectionRunning {
		return fmt.Errorf("%s is %s: %w", name, s, ErrInvalidState)
	}
	a, err := d.association()
	if err != nil {
		return err
	}
	ctx, cancel := m.serviceContext(ctx)
	defer cancel()
	if err := d.auth.Request(ctx, a); err != nil {
		if errors.Is(err, authority.ErrHandoffDenied) {
			m.metrics.AuthorityDenied.WithLabelValues(name).Inc()
			return fmt.Errorf("%s: %w: %w", name, ErrAuthorityDenied, err)
		}
		return err
	}
	return nil
}

// ReleaseAuthority hands authority back. Without an AR it completes
// locally.
func (m *Manager) ReleaseAuthority(ctx context.Context, name string) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	var ex authority.Exchanger
	if a, err := d.association(); err == nil {
		ex = a
	}
	ctx, cancel := m.serviceContext(ctx)
	defer cancel()
	return d.auth.Release(ctx, ex)
}

// ReadRecord reads an acyclic record from a connected device.
func (m *Manager) ReadRecord(ctx context.Context, name string, index uint16) ([]byte, error) {
	d, err := m.device(name)
	if err != nil {
		return nil, err
	}
	a, err := d.association()
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.serviceContext(ctx)
	defer cancel()
	return a.readRecord(ctx, index, codec.MaxFrameLen)
}

// WriteRecord writes an acyclic record to a connected device. The
// authority record is reserved for RequestAuthority and ReleaseAuthority.
func (m *Manager) WriteRecord(ctx context.Context, name string, index uint16, data []byte) error {
	if index == codec.RecordIndexAuthority {
		return fmt.Errorf("record %#04x is managed by the authority handoff: %w", index, ErrInvalidState)
	}
	d, err := m.device(name)
	if err != nil {
		return err
	}
	a, err := d.association()
	if err != nil {
		return err
	}
	ctx, cancel := m.serviceContext(ctx)
	defer cancel()
	_, err = a.writeRecord(ctx, index, data)
	return err
}

// Snapshot returns a copy of one device.
func (m *Manager) Snapshot(name string) (models.RTU, error) {
	rtu, err := m.reg.Snapshot(name)
	if err != nil {
		return rtu, fmt.Errorf("%w: %w", ErrUnknownDevice, err)
	}
	return rtu, nil
}

// Devices returns copies of every registered device.
func (m *Manager) Devices() []models.RTU {
	return m.reg.List()
}

// Close disconnects every device and waits for their goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.devices))
	for _, d := range m.devices {
		d.mu.Lock()
		if d.conn != nil {
			conns = append(conns, d.conn)
		}
		d.mu.Unlock()
	}
	m.mu.Unlock()
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
