// Package registry is the directory of known RTUs, keyed by station name.
// It holds identity, connection and authority state, and the latest cyclic
// sample per slot. Consumers read copies via Snapshot and List.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// Registry errors.
var (
	ErrNotFound           = errors.New("registry: device not found")
	ErrAlreadyExists      = errors.New("registry: device already registered")
	ErrInvalidStationName = errors.New("registry: invalid station name")
	ErrInvalidSlot        = errors.New("registry: invalid slot")
)

// MaxSlots bounds the slot count of a device.
const MaxSlots = 64

// DeviceSpec is the operator's registration of an RTU.
type DeviceSpec struct {
	StationName string            `json:"station_name" yaml:"station_name"`
	IPAddress   string            `json:"ip_address" yaml:"ip_address"`
	VendorID    uint16            `json:"vendor_id" yaml:"vendor_id"`
	DeviceID    uint16            `json:"device_id" yaml:"device_id"`
	SlotCount   int               `json:"slot_count" yaml:"slot_count"`
	Slots       []models.SlotType `json:"slots,omitempty" yaml:"slots,omitempty"`
}

// Normalize validates s and fills in the default slot layout: slot 0
// is the DAP and every other slot is a sensor.
func (s *DeviceSpec) Normalize() error {
	if err := ValidateStationName(s.StationName); err != nil {
		return err
	}
	if s.IPAddress != "" {
		if _, err := netip.ParseAddr(s.IPAddress); err != nil {
			return fmt.Errorf("ip address %q: %w", s.IPAddress, err)
		}
	}
	if len(s.Slots) == 0 {
		if s.SlotCount < 1 || s.SlotCount > MaxSlots {
			return fmt.Errorf("slot count %d: %w", s.SlotCount, ErrInvalidSlot)
		}
		s.Slots = make([]models.SlotType, s.SlotCount)
		for i := 1; i < s.SlotCount; i++ {
			s.Slots[i] = models.SlotSensor
		}
	}
	if s.SlotCount == 0 {
		s.SlotCount = len(s.Slots)
	}
	if s.SlotCount != len(s.Slots) || s.SlotCount > MaxSlots {
		return fmt.Errorf("slot count %d with %d slot types: %w", s.SlotCount, len(s.Slots), ErrInvalidSlot)
	}
	if s.Slots[0] != models.SlotDAP {
		return fmt.Errorf("slot 0 must be the DAP: %w", ErrInvalidSlot)
	}
	for i, t := range s.Slots[1:] {
		if t != models.SlotSensor && t != models.SlotActuator {
			return fmt.Errorf("slot %d type %d: %w", i+1, t, ErrInvalidSlot)
		}
	}
	return nil
}

// ValidateStationName accepts 1 to codec.MaxStationNameLen characters from
// [a-z0-9-].
func ValidateStationName(name string) error {
	if len(name) == 0 || len(name) > codec.MaxStationNameLen {
		return fmt.Errorf("%w: length %d", ErrInvalidStationName, len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("%w: %q", ErrInvalidStationName, name)
		}
	}
	return nil
}

// Registry is the set of registered RTUs.
type Registry struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists registrations and identity updates.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger.Named("registry"),
		now:     time.Now,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores persisted devices. It is a no-op without a store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		spec := d.Spec
		if err := spec.Normalize(); err != nil {
			r.logger.Warn("skipping stored device", zap.String("station", spec.StationName), zap.Error(err))
			continue
		}
		id := identityFromSpec(spec)
		id.MAC = d.MAC
		rec := newRecord(spec, id, d.CreatedAt)
		rec.lastSeen = d.LastSeen
		r.records[spec.StationName] = rec
	}
	r.logger.Info("registry loaded", zap.Int("devices", len(r.records)))
	return nil
}

func identityFromSpec(spec DeviceSpec) Identity {
	id := Identity{VendorID: spec.VendorID, DeviceID: spec.DeviceID}
	if spec.IPAddress != "" {
		id.IP, _ = netip.ParseAddr(spec.IPAddress)
	}
	return id
}

// Add registers a device in OFFLINE / AUTONOMOUS state.
func (r *Registry) Add(ctx context.Context, spec DeviceSpec) (*Record, error) {
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	now := r.now()

	r.mu.Lock()
	if _, ok := r.records[spec.StationName]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", spec.StationName, ErrAlreadyExists)
	}
	rec := newRecord(spec, identityFromSpec(spec), now)
	r.records[spec.StationName] = rec
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveDevice(ctx, StoredDevice{Spec: spec, CreatedAt: now}); err != nil {
			r.mu.Lock()
			delete(r.records, spec.StationName)
			r.mu.Unlock()
			return nil, fmt.Errorf("persist %s: %w", spec.StationName, err)
		}
	}
	r.logger.Info("device registered",
		zap.String("station", spec.StationName),
		zap.String("ip", spec.IPAddress),
		zap.Int("slots", spec.SlotCount),
	)
	return rec, nil
}

// Remove deregisters a device.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.records[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(r.records, name)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteDevice(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	r.logger.Info("device removed", zap.String("station", name))
	return nil
}

// Get returns the live record for name.
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return rec, nil
}

// FindByMAC returns the record whose cached identity has mac.
func (r *Registry) FindByMAC(mac codec.MAC) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Identity().MAC == mac {
			return rec, true
		}
	}
	return nil, false
}

// Snapshot returns a copy of one device.
func (r *Registry) Snapshot(name string) (models.RTU, error) {
	rec, err := r.Get(name)
	if err != nil {
		return models.RTU{}, err
	}
	return rec.Snapshot(), nil
}

// List returns copies of every device, sorted by station name.
func (r *Registry) List() []models.RTU {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].name < recs[j].name })
	out := make([]models.RTU, len(recs))
	for i, rec := range recs {
		out[i] = rec.Snapshot()
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// UpdateIdentity applies what DCP reported for name and persists the MAC
// and IP.
func (r *Registry) UpdateIdentity(ctx context.Context, name string, id Identity) error {
	rec, err := r.Get(name)
	if err != nil {
		return err
	}
	now := r.now()
	rec.setIdentity(id, now)
	if r.store == nil {
		return nil
	}
	cur := rec.Identity()
	spec := DeviceSpec{
		StationName: rec.name,
		VendorID:    cur.VendorID,
		DeviceID:    cur.DeviceID,
		SlotCount:   len(rec.slotTypes),
		Slots:       rec.SlotTypes(),
	}
	if cur.IP.IsValid() {
		spec.IPAddress = cur.IP.String()
	}
	if err := r.store.SaveDevice(ctx, StoredDevice{Spec: spec, MAC: cur.MAC, LastSeen: now, CreatedAt: rec.createdAt}); err != nil {
		return fmt.Errorf("persist identity of %s: %w", name, err)
	}
	return nil
}
