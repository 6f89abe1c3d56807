package testutil

import (
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/pkg/models"
)

// NewDeviceSpec returns a registration for water-rtu-01 at 192.168.1.50 with
// a DAP, two sensors and one actuator. Override fields with opts.
func NewDeviceSpec(opts ...func(*registry.DeviceSpec)) registry.DeviceSpec {
	d := registry.DeviceSpec{
		StationName: "water-rtu-01",
		IPAddress:   "192.168.1.50",
		VendorID:    0x012a,
		DeviceID:    0x0007,
		SlotCount:   4,
		Slots: []models.SlotType{
			models.SlotDAP,
			models.SlotSensor,
			models.SlotSensor,
			models.SlotActuator,
		},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithStationName sets the station name.
func WithStationName(name string) func(*registry.DeviceSpec) {
	return func(d *registry.DeviceSpec) { d.StationName = name }
}

// WithIP sets the registered IP address.
func WithIP(ip string) func(*registry.DeviceSpec) {
	return func(d *registry.DeviceSpec) { d.IPAddress = ip }
}

// WithSlots replaces the slot layout.
func WithSlots(types ...models.SlotType) func(*registry.DeviceSpec) {
	return func(d *registry.DeviceSpec) {
		d.Slots = types
		d.SlotCount = len(types)
	}
}

// WithIDs sets vendor and device id.
func WithIDs(vendor, device uint16) func(*registry.DeviceSpec) {
	return func(d *registry.DeviceSpec) {
		d.VendorID = vendor
		d.DeviceID = device
	}
}
