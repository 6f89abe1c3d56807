package registry

import (
	"net/netip"
	"sync"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
)

// Identity is what DCP learns about a device.
type Identity struct {
	MAC      codec.MAC
	IP       netip.Addr
	Mask     netip.Addr
	Gateway  netip.Addr
	VendorID uint16
	DeviceID uint16
}

// Record is the live state of one RTU. The slot layout is fixed at
// registration; everything else is guarded by the record's own lock so a
// reader of one device never waits on another device's cyclic loop.
type Record struct {
	name      string
	slotTypes []models.SlotType
	createdAt time.Time

	mu        sync.RWMutex
	id        Identity
	conn      models.ConnectionState
	auth      models.AuthorityState
	epoch     uint32
	sensors   []models.SensorSample
	actuators []models.ActuatorOutput
	present   []bool
	updated   []time.Time
	lastSeen  time.Time
	lastError string
}

func newRecord(spec DeviceSpec, id Identity, created time.Time) *Record {
	n := len(spec.Slots)
	return &Record{
		name:      spec.StationName,
		slotTypes: append([]models.SlotType(nil), spec.Slots...),
		createdAt: created,
		id:        id,
		conn:      models.ConnectionOffline,
		auth:      models.AuthorityAutonomous,
		sensors:   make([]models.SensorSample, n),
		actuators: make([]models.ActuatorOutput, n),
		present:   make([]bool, n),
		updated:   make([]time.Time, n),
	}
}

// Name returns the station name.
func (r *Record) Name() string { return r.name }

// SlotCount returns the number of slots including the DAP.
func (r *Record) SlotCount() int { return len(r.slotTypes) }

// SlotTypes returns a copy of the slot layout.
func (r *Record) SlotTypes() []models.SlotType {
	return append([]models.SlotType(nil), r.slotTypes...)
}

// SlotType returns the type of slot i.
func (r *Record) SlotType(i int) (models.SlotType, error) {
	if i < 0 || i >= len(r.slotTypes) {
		return 0, ErrInvalidSlot
	}
	return r.slotTypes[i], nil
}

// Identity returns the cached DCP identity.
func (r *Record) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Record) setIdentity(id Identity, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !id.IP.IsValid() {
		id.IP = r.id.IP
	}
	if id.VendorID == 0 && id.DeviceID == 0 {
		id.VendorID, id.DeviceID = r.id.VendorID, r.id.DeviceID
	}
	r.id = id
	r.lastSeen = seen
}

// ConnectionState returns the current connection state.
func (r *Record) ConnectionState() models.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// SetConnectionState records a new connection state. A non-empty errMsg
// replaces the last error.
func (r *Record) SetConnectionState(s models.ConnectionState, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = s
	if errMsg != "" {
		r.lastError = errMsg
	}
}

// Authority returns the authority state and last accepted epoch.
func (r *Record) Authority() (models.AuthorityState, uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.auth, r.epoch
}

// SetAuthority records the authority state and epoch.
func (r *Record) SetAuthority(s models.AuthorityState, epoch uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = s
	r.epoch = epoch
}

// UpdateSensor stores a sample for a sensor slot.
func (r *Record) UpdateSensor(slot int, s models.SensorSample, at time.Time) error {
	if t, err := r.SlotType(slot); err != nil || t != models.SlotSensor {
		return ErrInvalidSlot
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[slot] = s
	r.present[slot] = true
	r.updated[slot] = at
	r.lastSeen = at
	return nil
}

// SetActuator stores the commanded output for an actuator slot.
func (r *Record) SetActuator(slot int, out models.ActuatorOutput, at time.Time) error {
	if t, err := r.SlotType(slot); err != nil || t != models.SlotActuator {
		return ErrInvalidSlot
	}
	if !out.Command.Valid() {
		return ErrInvalidSlot
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuators[slot] = out
	r.present[slot] = true
	r.updated[slot] = at
	return nil
}

// Actuator returns the commanded output of slot and whether one was set.
func (r *Record) Actuator(slot int) (models.ActuatorOutput, bool) {
	if t, err := r.SlotType(slot); err != nil || t != models.SlotActuator {
		return models.ActuatorOutput{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actuators[slot], r.present[slot]
}

// ClearSamples drops every cached sample and output.
func (r *Record) ClearSamples() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sensors)
	clear(r.actuators)
	clear(r.present)
	clear(r.updated)
}

// Snapshot returns a copy safe to hand to consumers.
func (r *Record) Snapshot() models.RTU {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := models.RTU{
		StationName:     r.name,
		VendorID:        r.id.VendorID,
		DeviceID:        r.id.DeviceID,
		SlotCount:       len(r.slotTypes),
		ConnectionState: r.conn,
		AuthorityState:  r.auth,
		AuthorityEpoch:  r.epoch,
		Slots:           make([]models.SlotSnapshot, len(r.slotTypes)),
		LastSeen:        r.lastSeen,
		LastError:       r.lastError,
		CreatedAt:       r.createdAt,
	}
	if r.id.IP.IsValid() {
		out.IPAddress = r.id.IP.String()
	}
	if !r.id.MAC.IsZero() {
		out.MACAddress = r.id.MAC.String()
	}
	for i, t := range r.slotTypes {
		s := models.SlotSnapshot{Index: i, Type: t}
		if r.present[i] {
			s.UpdatedAt = r.updated[i]
			switch t {
			case models.SlotSensor:
				v := r.sensors[i]
				s.Sensor = &v
			case models.SlotActuator:
				v := r.actuators[i]
				s.Actuator = &v
			}
		}
		out.Slots[i] = s
	}
	return out
}
